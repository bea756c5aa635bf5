// Package synchronizer provides primitives that bring goroutines to a known
// point: Condition waits for a predicate, Latch waits for a release, and
// Barrier waits for a number of arrivals.
//
// Every wait accepts a context, or a timeout, making it an interruption point
// (see the interrupt package, and Token.Context).
package synchronizer

import (
	"context"
	"sync"
	"time"
)

// signal is a broadcast notification, guarded by the owner's mutex
type signal struct {
	ch chan struct{}
}

func (x *signal) wait() <-chan struct{} {
	if x.ch == nil {
		x.ch = make(chan struct{})
	}
	return x.ch
}

func (x *signal) broadcast() {
	if x.ch != nil {
		close(x.ch)
		x.ch = nil
	}
}

// Condition waits until a predicate returns true. The predicate is always
// evaluated while holding the condition's lock, and should only depend on
// state modified via Condition.Process.
type Condition struct {
	pred    func() bool
	changed signal
	mu      sync.Mutex
}

// NewCondition initializes a new Condition. A panic will occur if pred is
// nil.
func NewCondition(pred func() bool) *Condition {
	if pred == nil {
		panic(`synchronizer: nil predicate`)
	}
	return &Condition{pred: pred}
}

// Process calls fn while holding the condition's lock. If fn returns true,
// waiters re-evaluate the predicate.
func (x *Condition) Process(fn func() bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if fn() {
		x.changed.broadcast()
	}
}

// Wait blocks until the predicate is true, or ctx is canceled. The predicate
// is only guaranteed to have been true momentarily.
func (x *Condition) Wait(ctx context.Context) error {
	_, err := x.wait(ctx.Done(), nil)
	if err != nil {
		return ctx.Err()
	}
	return nil
}

// WaitFor is Wait, with a timeout, returning the final predicate value.
func (x *Condition) WaitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	ok, _ := x.wait(nil, timer.C)
	return ok
}

// WaitUntil is WaitFor, until the given time.
func (x *Condition) WaitUntil(t time.Time) bool {
	return x.WaitFor(time.Until(t))
}

func (x *Condition) wait(cancel <-chan struct{}, timeout <-chan time.Time) (bool, error) {
	for {
		x.mu.Lock()
		if x.pred() {
			x.mu.Unlock()
			return true, nil
		}
		changed := x.changed.wait()
		x.mu.Unlock()

		select {
		case <-changed:
		case <-cancel:
			return false, context.Canceled
		case <-timeout:
			x.mu.Lock()
			defer x.mu.Unlock()
			return x.pred(), nil
		}
	}
}

// Latch waits until it is released. The zero value is ready to use, and is
// not released.
type Latch struct {
	changed  signal
	mu       sync.Mutex
	released bool
}

// Release releases all current, and future, waiters, until Reset.
func (x *Latch) Release() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.released = true
	x.changed.broadcast()
}

// Reset causes subsequent waits to block until the next Release.
func (x *Latch) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.released = false
}

// Wait blocks until the latch is released, or ctx is canceled.
func (x *Latch) Wait(ctx context.Context) error {
	if !x.wait(ctx.Done(), nil) {
		return ctx.Err()
	}
	return nil
}

// WaitFor is Wait, with a timeout, returning true if released.
func (x *Latch) WaitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return x.wait(nil, timer.C)
}

// WaitUntil is WaitFor, until the given time.
func (x *Latch) WaitUntil(t time.Time) bool {
	return x.WaitFor(time.Until(t))
}

func (x *Latch) wait(cancel <-chan struct{}, timeout <-chan time.Time) bool {
	x.mu.Lock()
	if x.released {
		x.mu.Unlock()
		return true
	}
	changed := x.changed.wait()
	x.mu.Unlock()

	select {
	case <-changed:
		return true
	case <-cancel:
	case <-timeout:
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.released
}

// Barrier waits until n goroutines have arrived. Once released, it stays
// released, until Reset.
type Barrier struct {
	changed signal
	n       int
	count   int
	mu      sync.Mutex
}

// NewBarrier initializes a new Barrier, for n goroutines. A panic will occur
// if n is not positive.
func NewBarrier(n int) *Barrier {
	if n <= 0 {
		panic(`synchronizer: barrier requires a positive count`)
	}
	return &Barrier{n: n}
}

// Wait counts the caller as arrived, and blocks until n have arrived, or ctx
// is canceled, in which case the caller withdraws.
func (x *Barrier) Wait(ctx context.Context) error {
	if !x.wait(ctx.Done(), nil) {
		return ctx.Err()
	}
	return nil
}

// WaitFor is Wait, with a timeout, returning true if released. A caller that
// times out withdraws.
func (x *Barrier) WaitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return x.wait(nil, timer.C)
}

// WaitUntil is WaitFor, until the given time.
func (x *Barrier) WaitUntil(t time.Time) bool {
	return x.WaitFor(time.Until(t))
}

// Reset returns the barrier to its initial state. It does not release
// current waiters.
func (x *Barrier) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.count = 0
}

func (x *Barrier) wait(cancel <-chan struct{}, timeout <-chan time.Time) bool {
	x.mu.Lock()
	x.count++
	if x.count >= x.n {
		x.changed.broadcast()
		x.mu.Unlock()
		return true
	}
	changed := x.changed.wait()
	x.mu.Unlock()

	select {
	case <-changed:
		return true
	case <-cancel:
	case <-timeout:
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.count >= x.n {
		return true
	}
	if x.count > 0 {
		x.count--
	}
	return false
}
