package actionqueue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RepeatingAction runs an action on a Queue, every period, until stopped.
// Each occurrence schedules the next, after the action returns, meaning the
// period is the minimum delay between occurrences.
//
// If the queue is full or draining, when scheduling the next occurrence, the
// worker sleeps for one period, then runs the occurrence once more. A second
// failure panics on the worker, where it is recovered and reported as a
// *PanicError, ending the repetition.
//
// Instances must be initialized using the NewRepeatingAction factory, and
// should be stopped using RepeatingAction.Stop.
type RepeatingAction struct {
	queue      *Queue
	action     func()
	stop       chan struct{}
	identifier string
	period     time.Duration
	stopOnce   sync.Once
	// mu guards rescheduling against Stop
	mu       sync.Mutex
	stopping atomic.Bool
}

// NewRepeatingAction schedules the first occurrence of action, on queue,
// after period. A panic will occur if queue or action are nil. Any error from
// Queue.EnqueueAfter will be returned.
func NewRepeatingAction(period time.Duration, queue *Queue, action func()) (*RepeatingAction, error) {
	if queue == nil {
		panic(`actionqueue: nil queue`)
	}
	if action == nil {
		panic(`actionqueue: nil action`)
	}
	if period < 0 {
		return nil, fmt.Errorf(`%w: negative period %s`, ErrInvalidArgument, period)
	}

	x := RepeatingAction{
		queue:      queue,
		action:     action,
		stop:       make(chan struct{}),
		identifier: `repeating-` + uuid.New().String(),
		period:     period,
	}

	if err := queue.EnqueueAfter(period, x.identifier, x.occurrence); err != nil {
		return nil, err
	}

	return &x, nil
}

// Identifier returns the (unique) identifier used for every occurrence.
func (x *RepeatingAction) Identifier() string {
	return x.identifier
}

// Stop prevents any further occurrences, cancelling any that are pending,
// meaning none remain in the queue once Stop returns.
// It does not wait for an occurrence that is already running, which will not
// reschedule itself. It is safe to call Stop multiple times, including from
// within the action.
func (x *RepeatingAction) Stop() {
	x.stopOnce.Do(func() {
		x.mu.Lock()
		x.stopping.Store(true)
		close(x.stop)
		x.mu.Unlock()
		x.queue.Cancel(x.identifier)
	})
}

func (x *RepeatingAction) occurrence() {
	if !x.runAndRequeue() {
		x.backoff()
	}
}

// runAndRequeue returns false if the queue is exhausted
func (x *RepeatingAction) runAndRequeue() bool {
	if x.stopping.Load() {
		return true
	}

	x.action()

	x.mu.Lock()
	if x.stopping.Load() {
		x.mu.Unlock()
		return true
	}
	err := x.queue.EnqueueAfter(x.period, x.identifier, x.occurrence)
	x.mu.Unlock()

	if err == nil {
		return true
	}
	if !errors.Is(err, ErrResourceExhausted) {
		panic(err)
	}
	return false
}

func (x *RepeatingAction) backoff() {
	x.queue.logger.Warning().
		Str(`identifier`, x.identifier).
		Dur(`period`, x.period).
		Log(`actionqueue: repeating action backing off`)

	timer := time.NewTimer(x.period)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-x.stop:
		return
	case <-x.queue.stop:
		return
	}

	if !x.runAndRequeue() {
		panic(fmt.Errorf(`actionqueue: repeating action %s: %w`, x.identifier, ErrResourceExhausted))
	}
}
