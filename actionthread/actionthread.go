// Package actionthread implements a single-slot executor: a goroutine that
// runs at most one action at a time, on request, reporting each result via a
// Future.
package actionthread

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

type (
	// Thread is a long-lived goroutine, that runs one action at a time.
	// Instances must be initialized using the New factory, and should be
	// closed using Thread.Close.
	Thread struct {
		actions  chan *Future
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
		mu       sync.Mutex
		busy     bool
		closed   bool
	}

	// Future models the result of an action passed to Thread.Async.
	Future struct {
		fn   func() error
		err  error
		done chan struct{}
	}

	// PanicError models a panic recovered from an action.
	PanicError struct {
		Value any
		Stack []byte
	}
)

var (
	// ErrBusy is returned by Thread.Async, if the previous action has not
	// completed.
	ErrBusy = errors.New(`actionthread: busy`)

	// ErrClosed is returned by Thread.Async, after Thread.Close.
	ErrClosed = errors.New(`actionthread: closed`)
)

// New starts a new Thread.
func New() *Thread {
	x := Thread{
		actions: make(chan *Future, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go x.run()
	return &x
}

// Async runs fn on the thread, returning immediately. It fails with ErrBusy
// if the thread is still running a previous action, or ErrClosed if the
// thread has been closed. A panic will occur if fn is nil.
func (x *Thread) Async(fn func() error) (*Future, error) {
	if fn == nil {
		panic(`actionthread: nil action`)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, ErrClosed
	}
	if x.busy {
		return nil, ErrBusy
	}

	f := Future{fn: fn, done: make(chan struct{})}
	x.busy = true
	x.actions <- &f

	return &f, nil
}

// Close stops the thread, blocking until any action that was accepted has
// completed. It is safe to call Close multiple times.
//
// This method is unsafe to call from within an action.
func (x *Thread) Close() error {
	x.stopOnce.Do(func() {
		x.mu.Lock()
		x.closed = true
		x.mu.Unlock()
		close(x.stop)
	})
	<-x.done
	return nil
}

func (x *Thread) run() {
	defer close(x.done)
	for {
		select {
		case f := <-x.actions:
			x.execute(f)
		case <-x.stop:
			// an accepted action is always in the buffer, prior to stop
			select {
			case f := <-x.actions:
				x.execute(f)
			default:
			}
			return
		}
	}
}

func (x *Thread) execute(f *Future) {
	defer close(f.done)
	defer func() {
		x.mu.Lock()
		x.busy = false
		x.mu.Unlock()
	}()
	f.err = f.call()
}

func (f *Future) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return f.fn()
}

// Done returns a channel that is closed once the action has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the action has completed, returning its error, or until
// ctx is canceled, returning ctx.Err().
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Err returns the error of the action, or nil if it has not completed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf(`actionthread: action panicked: %v`, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
