// Package interrupt implements cooperative interruption, using explicit
// tokens, checked at interruption points, with cleanup handlers that run when
// an interruptible block ends due to interruption.
//
// Tokens are backed by a context.Context, so any blocking call that accepts a
// context (see Token.Context) is also an interruption point.
package interrupt

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// Token is the interruption state of a single interruptible block, see
	// Run and Go.
	Token struct {
		ctx      context.Context
		cancel   context.CancelCauseFunc
		handlers []func()
		mu       sync.Mutex
	}

	// Thread is an interruptible goroutine, started by Go.
	Thread struct {
		token *Token
		err   error
		done  chan struct{}
	}

	// unwind is the panic value used by Token.Point
	unwind struct {
		token *Token
	}
)

// ErrInterrupted indicates that an interruptible block ended because it was
// interrupted.
var ErrInterrupted = errors.New(`interrupt: interrupted`)

func newToken(parent context.Context) *Token {
	if parent == nil {
		panic(`interrupt: nil context`)
	}
	var x Token
	x.ctx, x.cancel = context.WithCancelCause(parent)
	return &x
}

// Interrupt requests that the block associated with the token stops. It has
// no effect other than marking the token, the block must observe it at an
// interruption point.
func (x *Token) Interrupt() {
	x.cancel(ErrInterrupted)
}

// Interrupted reports whether the token has been interrupted, which includes
// the cancellation of the parent context.
func (x *Token) Interrupted() bool {
	return x.ctx.Err() != nil
}

// Done returns a channel that is closed when the token is interrupted.
func (x *Token) Done() <-chan struct{} {
	return x.ctx.Done()
}

// Context returns a context that is canceled when the token is interrupted.
func (x *Token) Context() context.Context {
	return x.ctx
}

// Err returns ErrInterrupted if the token has been interrupted, or nil.
func (x *Token) Err() error {
	if x.ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

// Point is an interruption point. If the token has been interrupted, it
// unwinds the stack to the enclosing Run (or Go), using panic. Deferred
// calls run as normal.
func (x *Token) Point() {
	if x.Interrupted() {
		panic(unwind{token: x})
	}
}

// Sleep pauses the current goroutine for at least d, returning
// ErrInterrupted early if the token is interrupted.
func (x *Token) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-x.ctx.Done():
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}

// OnInterrupted registers fn to be called, after the block ends, if it was
// interrupted. Handlers are called in the order they were registered, on the
// goroutine that called Run.
func (x *Token) OnInterrupted(fn func()) {
	if fn == nil {
		panic(`interrupt: nil handler`)
	}
	x.mu.Lock()
	x.handlers = append(x.handlers, fn)
	x.mu.Unlock()
}

// Run calls fn as an interruptible block, with a token derived from parent,
// meaning canceling parent interrupts the block.
//
// If the block ends because it was interrupted, either by unwinding from
// Token.Point, or by returning after the token was interrupted, the handlers
// registered via Token.OnInterrupted are called, and ErrInterrupted is
// returned (joined with any other error returned by fn). Otherwise, the
// result of fn is returned. Other panics propagate, without calling any
// handlers.
func Run(parent context.Context, fn func(t *Token) error) error {
	if fn == nil {
		panic(`interrupt: nil block`)
	}
	return run(newToken(parent), fn)
}

func run(token *Token, fn func(t *Token) error) error {
	defer token.cancel(nil)

	unwound, err := call(token, fn)

	if !unwound && !token.Interrupted() {
		return err
	}

	token.mu.Lock()
	handlers := token.handlers
	token.handlers = nil
	token.mu.Unlock()

	for _, handler := range handlers {
		handler()
	}

	if err == nil || errors.Is(err, ErrInterrupted) {
		return ErrInterrupted
	}
	return errors.Join(ErrInterrupted, err)
}

func call(token *Token, fn func(t *Token) error) (unwound bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(unwind); ok && v.token == token {
				unwound = true
				return
			}
			panic(r)
		}
	}()
	return false, fn(token)
}

// Go starts fn as an interruptible block, on a new goroutine, see Run.
func Go(fn func(t *Token) error) *Thread {
	if fn == nil {
		panic(`interrupt: nil block`)
	}
	x := Thread{
		token: newToken(context.Background()),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(x.done)
		x.err = run(x.token, fn)
	}()
	return &x
}

// Interrupt interrupts the thread's token.
func (x *Thread) Interrupt() {
	x.token.Interrupt()
}

// Done returns a channel that is closed once the thread has exited.
func (x *Thread) Done() <-chan struct{} {
	return x.done
}

// Join waits for the thread to exit, returning the result of its block.
func (x *Thread) Join() error {
	<-x.done
	return x.err
}

// InterruptAll interrupts every thread.
func InterruptAll(threads ...*Thread) {
	for _, thread := range threads {
		thread.Interrupt()
	}
}

// JoinAll waits for every thread, returning the join of their errors,
// excluding ErrInterrupted.
func JoinAll(threads ...*Thread) error {
	var errs []error
	for _, thread := range threads {
		err := thread.Join()
		if errors.Is(err, ErrInterrupted) {
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, err := range joined.Unwrap() {
					if err != ErrInterrupted {
						errs = append(errs, err)
					}
				}
			}
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
