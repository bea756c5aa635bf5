package actionqueue

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		config *Config
	}{
		{`nil config`, nil},
		{`zero config`, &Config{}},
		{`no limit`, &Config{MaxPending: NoLimit}},
		{`limited`, &Config{MaxPending: 3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer checkNumGoroutines(time.Second * 3)(t)
			q := New(tc.config)
			require.NotNil(t, q)
			assert.NoError(t, q.Close())
			assert.NoError(t, q.Close())
		})
	}
}

func TestQueue_EnqueueAfter_nilAction(t *testing.T) {
	q := New(nil)
	defer q.Close()
	assert.PanicsWithValue(t, `actionqueue: nil action`, func() {
		_ = q.EnqueueAfter(0, ``, nil)
	})
}

func TestQueue_EnqueueAfter_invalidArgument(t *testing.T) {
	q := New(&Config{MaxPending: 1})
	defer q.Close()
	err := q.EnqueueAfter(-time.Nanosecond, ``, func() { t.Error(`should not run`) })
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnqueueAfter_overflow(t *testing.T) {
	q := New(nil)
	defer q.Close()
	err := q.EnqueueAfter(math.MaxInt64, ``, func() { t.Error(`should not run`) })
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ordering(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New(nil)
	defer q.Close()

	type result struct {
		delay    time.Duration
		enqueued time.Time
		ran      time.Time
	}

	var (
		mu      sync.Mutex
		results []result
	)

	for _, ms := range [...]int{50, 10, 40, 0, 30, 20} {
		delay := time.Duration(ms) * time.Millisecond
		enqueued := time.Now()
		require.NoError(t, q.EnqueueAfter(delay, ``, func() {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result{delay, enqueued, time.Now()})
		}))
	}

	q.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, results, 6)
	for i, r := range results {
		if i > 0 {
			assert.Less(t, results[i-1].delay, r.delay)
		}
		assert.GreaterOrEqual(t, r.ran.Sub(r.enqueued), r.delay)
	}
}

func TestQueue_tiesPreserveInsertionOrder(t *testing.T) {
	q := New(nil)
	defer q.Close()

	// block the worker, so every action shares the same target, or later
	block := make(chan struct{})
	require.NoError(t, q.Enqueue(``, func() { <-block }))

	var order []int
	for i := range 50 {
		require.NoError(t, q.Enqueue(``, func() { order = append(order, i) }))
	}

	close(block)
	q.Wait()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueue_serialization(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New(nil)
	defer q.Close()

	const (
		producers = 8
		perEach   = 250
	)

	var (
		counter  int
		inFlight atomic.Int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)

	start := make(chan struct{})
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range perEach {
				if err := q.Enqueue(``, func() {
					if inFlight.Add(1) != 1 {
						overlap.Store(true)
					}
					counter++
					inFlight.Add(-1)
				}); err != nil {
					t.Error(err)
				}
			}
		}()
	}

	close(start)
	wg.Wait()
	q.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, producers*perEach, counter)
}

func TestQueue_capacity(t *testing.T) {
	q := New(&Config{MaxPending: 2})
	defer q.Close()

	noop := func() {}

	require.NoError(t, q.EnqueueAfter(time.Hour, ``, noop))
	require.NoError(t, q.EnqueueAfter(time.Hour, ``, noop))

	err := q.Enqueue(``, noop)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorIs(t, err, syscall.EAGAIN)

	assert.ErrorIs(t, q.EnqueueAfter(-1, ``, noop), ErrInvalidArgument)

	assert.Equal(t, 2, q.Len())

	// room is made by cancelling
	assert.Equal(t, 2, q.Cancel(All))
	assert.NoError(t, q.Enqueue(``, noop))
}

func TestQueue_Cancel(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New(nil)
	defer q.Close()

	var x, y atomic.Int32
	for range 3 {
		require.NoError(t, q.EnqueueAfter(time.Millisecond*50, `X`, func() { x.Add(1) }))
	}
	for range 2 {
		require.NoError(t, q.EnqueueAfter(time.Millisecond*50, `Y`, func() { y.Add(1) }))
	}

	assert.Equal(t, 3, q.Cancel(`X`))
	assert.Equal(t, 0, q.Cancel(`X`))
	assert.Equal(t, 0, q.Cancel(`Z`))
	assert.Equal(t, 2, q.Len())

	q.Wait()

	assert.Equal(t, int32(0), x.Load())
	assert.Equal(t, int32(2), y.Load())
	assert.Equal(t, 0, q.Cancel(All))
}

func TestQueue_Cancel_doesNotAffectRunning(t *testing.T) {
	q := New(nil)
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Enqueue(`A`, func() {
		close(started)
		<-release
		finished.Store(true)
	}))
	require.NoError(t, q.EnqueueAfter(time.Hour, `A`, func() { t.Error(`should not run`) }))

	<-started
	assert.Equal(t, 1, q.Cancel(`A`))
	close(release)
	q.Wait()
	assert.True(t, finished.Load())
}

func TestQueue_earlierEnqueueRecomputesDeadline(t *testing.T) {
	q := New(nil)
	defer q.Close()

	require.NoError(t, q.EnqueueAfter(time.Hour, `far`, func() { t.Error(`should not run`) }))
	time.Sleep(time.Millisecond * 10)

	ran := make(chan struct{})
	require.NoError(t, q.EnqueueAfter(time.Millisecond*10, ``, func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second * 2):
		t.Fatal(`expected the earlier action to run`)
	}

	assert.Equal(t, 1, q.Cancel(`far`))
	q.Wait()
}

func TestQueue_Cancel_earliest(t *testing.T) {
	q := New(nil)
	defer q.Close()

	var firstRan atomic.Bool
	require.NoError(t, q.EnqueueAfter(time.Millisecond*50, `first`, func() { firstRan.Store(true) }))

	start := time.Now()
	ran := make(chan time.Duration, 1)
	require.NoError(t, q.EnqueueAfter(time.Millisecond*100, `second`, func() { ran <- time.Since(start) }))

	assert.Equal(t, 1, q.Cancel(`first`))
	assert.Equal(t, 1, q.Len())

	select {
	case elapsed := <-ran:
		assert.GreaterOrEqual(t, elapsed, time.Millisecond*100)
		assert.Less(t, elapsed, time.Second)
	case <-time.After(time.Second * 2):
		t.Fatal(`expected the remaining action to run`)
	}

	q.Wait()
	assert.False(t, firstRan.Load())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Wait_idle(t *testing.T) {
	q := New(nil)
	defer q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Wait()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(`expected Wait to return immediately`)
	}
}

func TestQueue_Wait_rejectsEnqueue(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New(nil)
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Enqueue(``, func() {
		close(started)
		<-release
	}))
	<-started

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		q.Wait()
	}()

	require.Eventually(t, func() bool {
		return errors.Is(q.Enqueue(``, func() {}), ErrResourceExhausted)
	}, time.Second*2, time.Millisecond)

	time.Sleep(time.Millisecond * 30)
	select {
	case <-waitDone:
		t.Fatal(`expected Wait to be blocked`)
	default:
	}

	close(release)

	select {
	case <-waitDone:
	case <-time.After(time.Second * 2):
		t.Fatal(`expected Wait to return`)
	}

	assert.Equal(t, 0, q.Len())
	assert.NoError(t, q.Enqueue(``, func() {}))
	q.Wait()
}

func TestQueue_WaitContext_canceled(t *testing.T) {
	q := New(nil)
	defer q.Close()

	require.NoError(t, q.EnqueueAfter(time.Hour, ``, func() { t.Error(`should not run`) }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*30)
	defer cancel()

	assert.ErrorIs(t, q.WaitContext(ctx), context.DeadlineExceeded)

	// no longer draining
	assert.NoError(t, q.EnqueueAfter(time.Hour, ``, func() { t.Error(`should not run`) }))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_WaitContext_concurrent(t *testing.T) {
	q := New(nil)
	defer q.Close()

	release := make(chan struct{})
	require.NoError(t, q.Enqueue(``, func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()

	longDone := make(chan error, 1)
	go func() { longDone <- q.WaitContext(context.Background()) }()

	// one drain ending does not end the other
	assert.ErrorIs(t, q.WaitContext(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool {
		return errors.Is(q.Enqueue(``, func() {}), ErrResourceExhausted)
	}, time.Second*2, time.Millisecond)

	close(release)
	select {
	case err := <-longDone:
		assert.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal(`expected Wait to return`)
	}
}

func TestQueue_Close_releasesWait(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	q := New(nil)

	require.NoError(t, q.EnqueueAfter(time.Hour, ``, func() { t.Error(`should not run`) }))

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		q.Wait()
	}()

	time.Sleep(time.Millisecond * 20)
	require.NoError(t, q.Close())

	select {
	case <-waitDone:
	case <-time.After(time.Second * 2):
		t.Fatal(`expected Wait to return`)
	}
}

func TestQueue_Close_nonBlocking(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	logger, buf := newTestLogger(logiface.LevelDebug)
	q := New(&Config{Logger: logger})

	var ran atomic.Bool
	require.NoError(t, q.EnqueueAfter(time.Second*100, ``, func() { ran.Store(true) }))

	start := time.Now()
	require.NoError(t, q.Close())
	assert.Less(t, time.Since(start), time.Second)

	// silently dropped
	assert.NoError(t, q.Enqueue(``, func() { ran.Store(true) }))
	assert.Equal(t, 0, q.Len())

	time.Sleep(time.Millisecond * 20)
	assert.False(t, ran.Load())
	assert.Contains(t, buf.String(), `"msg":"actionqueue: closing"`)
}

func TestQueue_Close_waitsForRunningAction(t *testing.T) {
	q := New(nil)

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Enqueue(``, func() {
		close(started)
		time.Sleep(time.Millisecond * 50)
		finished.Store(true)
	}))
	require.NoError(t, q.Enqueue(``, func() { t.Error(`should not run`) }))

	<-started
	require.NoError(t, q.Close())
	assert.True(t, finished.Load())
}

func TestQueue_asapBeforePositiveDelay(t *testing.T) {
	for range 20 {
		q := New(nil)
		var order []string
		require.NoError(t, q.EnqueueAfter(time.Nanosecond, ``, func() { order = append(order, `later`) }))
		require.NoError(t, q.Enqueue(``, func() { order = append(order, `asap`) }))
		require.NoError(t, q.EnqueueAfter(time.Microsecond, ``, func() { order = append(order, `later`) }))
		q.Wait()
		require.NoError(t, q.Close())
		// the first action may have been popped before the asap enqueue
		if order[0] == `later` {
			assert.Equal(t, []string{`later`, `asap`, `later`}, order)
		} else {
			assert.Equal(t, []string{`asap`, `later`, `later`}, order)
		}
	}
}

func TestQueue_asapFromIdle(t *testing.T) {
	q := New(nil)
	defer q.Close()

	var order []string
	require.NoError(t, q.Enqueue(``, func() { order = append(order, `asap`) }))
	require.NoError(t, q.EnqueueAfter(time.Nanosecond, ``, func() { order = append(order, `positive`) }))
	q.Wait()
	assert.Equal(t, []string{`asap`, `positive`}, order)
}

func TestQueue_panic(t *testing.T) {
	logger, buf := newTestLogger(logiface.LevelInformational)
	metrics := NewMetrics(`test`)

	var (
		mu     sync.Mutex
		panics []*PanicError
	)

	q := New(&Config{
		Logger:  logger,
		Metrics: metrics,
		OnPanic: func(err *PanicError) {
			mu.Lock()
			defer mu.Unlock()
			panics = append(panics, err)
		},
	})
	defer q.Close()

	cause := errors.New(`some error`)
	var after atomic.Bool

	require.NoError(t, q.Enqueue(`bad`, func() { panic(cause) }))
	require.NoError(t, q.Enqueue(``, func() { after.Store(true) }))
	q.Wait()

	assert.True(t, after.Load())

	mu.Lock()
	require.Len(t, panics, 1)
	err := panics[0]
	mu.Unlock()

	assert.Equal(t, `bad`, err.Identifier)
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, err.Stack)
	assert.Equal(t, `actionqueue: action "bad" panicked: some error`, err.Error())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.panics))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.executed))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))

	assert.Contains(t, buf.String(), `"identifier":"bad"`)
	assert.Contains(t, buf.String(), `"msg":"actionqueue: action panicked"`)
}

func TestQueue_panic_logRateLimited(t *testing.T) {
	logger, buf := newTestLogger(logiface.LevelInformational)
	var count atomic.Int32
	q := New(&Config{
		Logger:  logger,
		OnPanic: func(err *PanicError) { count.Add(1) },
	})
	defer q.Close()

	for range 5 {
		require.NoError(t, q.Enqueue(`noisy`, func() { panic(`boom`) }))
	}
	q.Wait()

	assert.Equal(t, int32(5), count.Load())
	assert.Equal(t, 1, strings.Count(buf.String(), `"msg":"actionqueue: action panicked"`))
}

func TestMetrics(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	metrics := NewMetrics(`thread`)

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(metrics))

	q := New(&Config{Metrics: metrics, MaxPending: 2})
	defer q.Close()

	noop := func() {}
	require.NoError(t, q.EnqueueAfter(time.Hour, `a`, noop))
	require.NoError(t, q.EnqueueAfter(time.Hour, `a`, noop))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.pending))

	assert.ErrorIs(t, q.Enqueue(``, noop), ErrResourceExhausted)
	assert.ErrorIs(t, q.EnqueueAfter(-1, ``, noop), ErrInvalidArgument)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues(reasonCapacity)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues(reasonInvalid)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.rejected.WithLabelValues(reasonDraining)))

	assert.Equal(t, 2, q.Cancel(`a`))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.cancelled))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))

	require.NoError(t, q.Enqueue(``, noop))
	q.Wait()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.executed))

	require.NoError(t, q.EnqueueAfter(time.Hour, ``, noop))
	require.NoError(t, q.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))

	assert.Equal(t, 8, testutil.CollectAndCount(metrics))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range [...]string{
		`thread_actionqueue_pending`,
		`thread_actionqueue_executed_total`,
		`thread_actionqueue_cancelled_total`,
		`thread_actionqueue_rejected_total`,
		`thread_actionqueue_panics_total`,
		`thread_actionqueue_lateness_seconds`,
	} {
		assert.True(t, names[name], name)
	}
}
