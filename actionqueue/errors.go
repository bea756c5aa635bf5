package actionqueue

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/joeycumines/go-thread/internal/clock"
)

type (
	// PanicError models a panic recovered from an action, while it was being
	// run by the worker of a Queue.
	PanicError struct {
		// Value is the value passed to panic.
		Value any

		// Identifier is the identifier the action was enqueued with.
		Identifier string

		// Stack is the stack trace captured at the point of recovery.
		Stack []byte
	}

	exhaustedError struct{}
)

var (
	// ErrInvalidArgument indicates a negative delay or period.
	ErrInvalidArgument = errors.New(`actionqueue: invalid argument`)

	// ErrResourceExhausted is returned on enqueue, while the queue is full, or
	// while a drain (Queue.Wait) is in progress. It is retryable, and matches
	// syscall.EAGAIN, via errors.Is.
	ErrResourceExhausted error = exhaustedError{}

	// ErrOverflow indicates a delay that cannot be represented, in the
	// (millisecond) resolution used to schedule actions.
	ErrOverflow = clock.ErrOverflow
)

func (exhaustedError) Error() string { return `actionqueue: resource exhausted` }

func (exhaustedError) Is(target error) bool { return target == syscall.EAGAIN }

func (e *PanicError) Error() string {
	if e.Identifier == `` {
		return fmt.Sprintf(`actionqueue: action panicked: %v`, e.Value)
	}
	return fmt.Sprintf(`actionqueue: action %q panicked: %v`, e.Identifier, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
