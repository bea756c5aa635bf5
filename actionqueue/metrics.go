package actionqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	reasonCapacity = `capacity`
	reasonDraining = `draining`
	reasonInvalid  = `invalid`
)

// Metrics is a prometheus.Collector, recording the activity of one or more
// Queue instances, see Config.Metrics. A nil *Metrics records nothing.
type Metrics struct {
	pending   prometheus.Gauge
	executed  prometheus.Counter
	cancelled prometheus.Counter
	rejected  *prometheus.CounterVec
	panics    prometheus.Counter
	lateness  prometheus.Histogram
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics initializes a new Metrics, with all metric names prefixed by
// namespace (if not empty), and the subsystem "actionqueue".
func NewMetrics(namespace string) *Metrics {
	const subsystem = `actionqueue`
	x := Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `pending`,
			Help:      `Number of actions waiting to run.`,
		}),
		executed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `executed_total`,
			Help:      `Number of actions run to completion or panic.`,
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `cancelled_total`,
			Help:      `Number of pending actions removed by Cancel.`,
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `rejected_total`,
			Help:      `Number of actions that failed to enqueue.`,
		}, []string{`reason`}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `panics_total`,
			Help:      `Number of actions that panicked.`,
		}),
		lateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      `lateness_seconds`,
			Help:      `Delay between the target time of an action and it starting.`,
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	for _, reason := range [...]string{reasonCapacity, reasonDraining, reasonInvalid} {
		x.rejected.WithLabelValues(reason)
	}
	return &x
}

// Describe implements prometheus.Collector.
func (x *Metrics) Describe(ch chan<- *prometheus.Desc) {
	x.pending.Describe(ch)
	x.executed.Describe(ch)
	x.cancelled.Describe(ch)
	x.rejected.Describe(ch)
	x.panics.Describe(ch)
	x.lateness.Describe(ch)
}

// Collect implements prometheus.Collector.
func (x *Metrics) Collect(ch chan<- prometheus.Metric) {
	x.pending.Collect(ch)
	x.executed.Collect(ch)
	x.cancelled.Collect(ch)
	x.rejected.Collect(ch)
	x.panics.Collect(ch)
	x.lateness.Collect(ch)
}

func (x *Metrics) addPending(n int) {
	if x != nil && n != 0 {
		x.pending.Add(float64(n))
	}
}

func (x *Metrics) incRejected(reason string) {
	if x != nil {
		x.rejected.WithLabelValues(reason).Inc()
	}
}

func (x *Metrics) addCancelled(n int) {
	if x != nil && n != 0 {
		x.cancelled.Add(float64(n))
	}
}

func (x *Metrics) observeStart(lateness time.Duration) {
	if x != nil {
		x.lateness.Observe(max(lateness, 0).Seconds())
	}
}

func (x *Metrics) incExecuted() {
	if x != nil {
		x.executed.Inc()
	}
}

func (x *Metrics) incPanics() {
	if x != nil {
		x.panics.Inc()
	}
}
