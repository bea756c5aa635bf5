// Package parallel runs actions concurrently, waiting for all of them to
// complete.
package parallel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-thread/actionthread"
	"golang.org/x/sync/errgroup"
)

// ErrTooManyActions is returned by Group.Run, when there are more actions than
// the group can run concurrently.
var ErrTooManyActions = errors.New(`parallel: too many actions`)

// Group runs actions on a fixed set of cached goroutines, avoiding the cost
// of starting a goroutine per action. Instances must be initialized using the
// NewGroup factory, and should be closed using Group.Close.
type Group struct {
	threads []*actionthread.Thread
	mu      sync.Mutex
}

// Run runs the first action on the calling goroutine, and the rest on new
// goroutines, returning once all have completed. The returned error is that
// of the first action, if it failed, otherwise the first error returned by
// any of the others.
func Run(actions ...func() error) error {
	if len(actions) == 0 {
		return nil
	}
	checkActions(actions)

	var group errgroup.Group
	for _, action := range actions[1:] {
		group.Go(action)
	}

	err := actions[0]()

	if groupErr := group.Wait(); err == nil {
		err = groupErr
	}

	return err
}

// NewGroup starts a group of n goroutines. A Group of size n may run up to
// n+1 actions at once, as the calling goroutine runs the first. A panic will
// occur if n is negative.
func NewGroup(n int) *Group {
	if n < 0 {
		panic(fmt.Sprintf(`parallel: invalid group size: %d`, n))
	}
	threads := make([]*actionthread.Thread, n)
	for i := range threads {
		threads[i] = actionthread.New()
	}
	return &Group{threads: threads}
}

// Size returns the number of goroutines in the group.
func (x *Group) Size() int {
	return len(x.threads)
}

// Run behaves like the package-level Run, but uses the group's goroutines.
// Calls are serialized. It fails with ErrTooManyActions, without running any
// actions, if len(actions) > Size()+1. Panics in actions run by the group are
// returned as an *actionthread.PanicError.
func (x *Group) Run(actions ...func() error) error {
	if len(actions) == 0 {
		return nil
	}
	if len(actions)-1 > len(x.threads) {
		return fmt.Errorf(`%w: %d actions for %d goroutines`, ErrTooManyActions, len(actions), len(x.threads))
	}
	checkActions(actions)

	x.mu.Lock()
	defer x.mu.Unlock()

	futures := make([]*actionthread.Future, 0, len(actions)-1)
	var startErr error
	for i, action := range actions[1:] {
		f, err := x.threads[i].Async(action)
		if err != nil {
			startErr = err
			break
		}
		futures = append(futures, f)
	}

	var err error
	if startErr == nil {
		err = actions[0]()
	}

	for _, f := range futures {
		<-f.Done()
		if err == nil {
			err = f.Err()
		}
	}

	if startErr != nil {
		return startErr
	}
	return err
}

// Close stops the group's goroutines, waiting for any running actions.
func (x *Group) Close() error {
	for _, thread := range x.threads {
		_ = thread.Close()
	}
	return nil
}

func checkActions(actions []func() error) {
	for _, action := range actions {
		if action == nil {
			panic(`parallel: nil action`)
		}
	}
}
