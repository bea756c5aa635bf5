package actionqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-thread/internal/clock"
	"github.com/joeycumines/logiface"
)

const (
	// Asap is the delay that schedules an action to run as soon as possible.
	Asap time.Duration = 0

	// All is the identifier that matches every pending action, see
	// Queue.Cancel.
	All = ``

	// NoLimit may be used as Config.MaxPending, to disable the capacity
	// limit. Any value <= 0 behaves the same.
	NoLimit = -1
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger is used to report action panics, and lifecycle events.
		// Logging is disabled, if nil.
		Logger *logiface.Logger[logiface.Event]

		// Metrics will be updated by the queue, if non-nil.
		Metrics *Metrics

		// OnPanic will be called, from the worker goroutine, if an action
		// panics. The worker recovers, and continues with the next action,
		// regardless of OnPanic.
		OnPanic func(err *PanicError)

		// MaxPending restricts the number of pending (not yet started)
		// actions, if positive. Enqueue will fail with ErrResourceExhausted,
		// while the limit is reached.
		// **Defaults to unlimited, if 0, or Config is nil.**
		MaxPending int
	}

	// Queue runs actions on a single worker goroutine, in order of their
	// target time, breaking ties by insertion order. Actions may be cancelled
	// prior to starting, by their identifier.
	//
	// Instances must be initialized using the New factory, and should be
	// closed using Queue.Close.
	Queue struct {
		// betteralign:ignore

		logger       *logiface.Logger[logiface.Event] // configurable
		metrics      *Metrics                         // configurable
		onPanic      func(err *PanicError)            // configurable
		maxPending   int                              // configurable
		panicLimiter *catrate.Limiter
		store        *pendingStore
		// changed is closed then replaced, on each change observable by Wait
		changed chan struct{}
		// wake is buffered, and interrupts the worker's current wait
		wake     chan struct{}
		stop     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
		mu       sync.Mutex
		// draining counts the callers currently blocked in Wait
		draining      int
		stopping      bool
		runningAction bool
	}
)

// New initializes a new Queue, using the provided Config, which may be nil.
// The worker goroutine is started immediately.
func New(config *Config) *Queue {
	x := Queue{
		store:   newPendingStore(),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		// panic logs, per identifier
		panicLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second:     1,
			time.Minute * 5: 10,
		}),
	}

	if config != nil {
		x.logger = config.Logger
		x.metrics = config.Metrics
		x.onPanic = config.OnPanic
		x.maxPending = config.MaxPending
	}

	go x.run()

	return &x
}

// EnqueueAfter schedules action to run, on the worker goroutine, once at
// least delay has elapsed. The identifier is optional, and is used only to
// support Queue.Cancel, see also All.
//
// An error will be returned, without scheduling the action, if delay is
// negative (ErrInvalidArgument), or cannot be represented (ErrOverflow), or if
// the queue is full or being drained (ErrResourceExhausted). Once Close has
// been called, the action is silently dropped, and nil is returned.
//
// A panic will occur if action is nil.
func (x *Queue) EnqueueAfter(delay time.Duration, identifier string, action func()) error {
	if action == nil {
		panic(`actionqueue: nil action`)
	}

	if delay < 0 {
		x.metrics.incRejected(reasonInvalid)
		return fmt.Errorf(`%w: negative delay %s`, ErrInvalidArgument, delay)
	}

	target, err := clock.Deadline(delay)
	if err != nil {
		x.metrics.incRejected(reasonInvalid)
		return fmt.Errorf(`actionqueue: delay %s: %w`, delay, err)
	}

	x.mu.Lock()

	if x.stopping {
		x.mu.Unlock()
		return nil
	}

	if x.draining != 0 {
		x.mu.Unlock()
		x.metrics.incRejected(reasonDraining)
		return fmt.Errorf(`%w: drain in progress`, ErrResourceExhausted)
	}

	if x.maxPending > 0 && x.store.len() >= x.maxPending {
		x.mu.Unlock()
		x.metrics.incRejected(reasonCapacity)
		return fmt.Errorf(`%w: %d actions pending`, ErrResourceExhausted, x.maxPending)
	}

	x.store.insert(target, identifier, action)

	x.mu.Unlock()

	x.metrics.addPending(1)
	x.notifyWorker()

	return nil
}

// Enqueue is EnqueueAfter with a delay of Asap.
func (x *Queue) Enqueue(identifier string, action func()) error {
	return x.EnqueueAfter(Asap, identifier, action)
}

// Cancel removes every pending action with the given identifier, or all
// pending actions if identifier is All, returning the number removed. An
// action that has already started is never affected.
func (x *Queue) Cancel(identifier string) int {
	x.mu.Lock()
	n := x.store.remove(identifier)
	if n != 0 {
		x.notifyWaitersLocked()
	}
	x.mu.Unlock()

	if n != 0 {
		x.metrics.addPending(-n)
		x.metrics.addCancelled(n)
		x.notifyWorker()
	}

	return n
}

// Len returns the number of pending actions, excluding any running action.
func (x *Queue) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.store.len()
}

// Wait blocks until there are no pending actions, and no action is running,
// or until the queue is closed. While any caller is blocked in Wait, attempts
// to enqueue will fail with ErrResourceExhausted.
//
// This method is unsafe to call from within an action.
func (x *Queue) Wait() {
	_ = x.WaitContext(context.Background())
}

// WaitContext is Wait, but will return ctx.Err() if ctx is canceled before
// the queue becomes idle.
//
// This method is unsafe to call from within an action.
func (x *Queue) WaitContext(ctx context.Context) error {
	x.mu.Lock()
	if x.idleLocked() {
		x.mu.Unlock()
		return nil
	}

	x.draining++
	defer func() {
		x.mu.Lock()
		x.draining--
		x.mu.Unlock()
	}()

	for {
		changed := x.changed
		x.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}

		x.mu.Lock()
		if x.idleLocked() {
			x.mu.Unlock()
			return nil
		}
	}
}

// Close stops the worker, without running any further actions, blocking
// until the worker has exited. An action that is already running will be
// allowed to complete. Pending actions are discarded. Any callers blocked in
// Wait will be released. Subsequent calls to EnqueueAfter are no-ops.
//
// This method is unsafe to call from within an action.
func (x *Queue) Close() error {
	x.stopOnce.Do(x.shutdown)
	<-x.done
	return nil
}

func (x *Queue) shutdown() {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Any(`panic`, r).
				Log(`actionqueue: failed to stop cleanly`)
		}
	}()

	x.mu.Lock()
	x.stopping = true
	discarded := x.store.len()
	x.store.clear()
	x.notifyWaitersLocked()
	x.mu.Unlock()

	close(x.stop)

	x.metrics.addPending(-discarded)

	x.logger.Debug().
		Int(`discarded`, discarded).
		Log(`actionqueue: closing`)
}

// idleLocked reports if Wait may return
func (x *Queue) idleLocked() bool {
	return x.stopping || (!x.runningAction && x.store.len() == 0)
}

func (x *Queue) notifyWaitersLocked() {
	close(x.changed)
	x.changed = make(chan struct{})
}

func (x *Queue) notifyWorker() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

func (x *Queue) run() {
	defer close(x.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		x.mu.Lock()

		if x.stopping {
			x.mu.Unlock()
			return
		}

		if next, ok := x.store.popDue(clock.Now()); ok {
			x.runningAction = true
			x.mu.Unlock()
			x.execute(next)
			continue
		}

		// nothing due, wait for the earliest target, or a change
		var timerC <-chan time.Time
		if next, ok := x.store.earliest(); ok {
			timer.Reset(clock.Until(next.target))
			timerC = timer.C
		}

		x.mu.Unlock()

		select {
		case <-x.stop:
			return
		case <-x.wake:
		case <-timerC:
		}

		timer.Stop()
	}
}

// execute runs the action outside the lock, always restoring the worker's
// state, even if the action panics.
func (x *Queue) execute(a *pendingAction) {
	defer func() {
		x.mu.Lock()
		x.runningAction = false
		x.notifyWaitersLocked()
		x.mu.Unlock()
	}()

	defer func() {
		x.metrics.incExecuted()
		if r := recover(); r != nil {
			x.handlePanic(&PanicError{
				Value:      r,
				Identifier: a.identifier,
				Stack:      debug.Stack(),
			})
		}
	}()

	x.metrics.addPending(-1)
	x.metrics.observeStart(clock.Now().Sub(a.target))

	a.action()
}

func (x *Queue) handlePanic(err *PanicError) {
	x.metrics.incPanics()

	if _, ok := x.panicLimiter.Allow(err.Identifier); ok {
		x.logger.Err().
			Str(`identifier`, err.Identifier).
			Any(`panic`, err.Value).
			Str(`stack`, string(err.Stack)).
			Log(`actionqueue: action panicked`)
	}

	if x.onPanic != nil {
		x.onPanic(err)
	}
}
