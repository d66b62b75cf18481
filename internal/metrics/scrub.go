package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScrubMetrics holds metrics related to scrub-and-free submissions.
// A nil *ScrubMetrics is valid and records nothing.
type ScrubMetrics struct {
	// SubmittedTotal counts accepted submissions by the path that cleared them.
	// Labels: path (async, sync)
	SubmittedTotal *prometheus.CounterVec

	// FallbacksTotal counts async submissions the engine rejected and that
	// were cleared synchronously instead.
	FallbacksTotal prometheus.Counter

	// ReclaimedTotal counts regions released by the deferred drain.
	ReclaimedTotal prometheus.Counter

	// WorkersScheduledTotal counts deferred workers handed to the workqueue.
	WorkersScheduledTotal prometheus.Counter

	// CallbacksCoalescedTotal counts completion callbacks that found a
	// worker already scheduled.
	CallbacksCoalescedTotal prometheus.Counter

	// Pending is the number of regions awaiting their clear.
	Pending prometheus.Gauge

	// ReclaimLatency tracks time from async submission to release.
	ReclaimLatency prometheus.Histogram
}

// PathAsync is the label value for submissions cleared asynchronously.
const PathAsync = "async"

// PathSync is the label value for submissions cleared synchronously.
const PathSync = "sync"

// DefaultReclaimLatencyBuckets cover a clear completing within the same
// microsecond up to a badly backed up engine.
var DefaultReclaimLatencyBuckets = []float64{
	0.00001, // 10us
	0.00005, // 50us
	0.0001,  // 100us
	0.0005,  // 500us
	0.001,   // 1ms
	0.005,   // 5ms
	0.01,    // 10ms
	0.05,    // 50ms
	0.1,     // 100ms
	0.5,     // 500ms
	1.0,     // 1s
}

func newScrubMetrics(factory promauto.Factory) *ScrubMetrics {
	return &ScrubMetrics{
		SubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "submitted_total",
				Help:      "Total number of regions accepted for scrub-and-free, broken down by clear path.",
			},
			[]string{"path"},
		),
		FallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "fallbacks_total",
				Help:      "Total number of async submissions rejected by the engine and cleared synchronously.",
			},
		),
		ReclaimedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "reclaimed_total",
				Help:      "Total number of regions released after their async clear completed.",
			},
		),
		WorkersScheduledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "workers_scheduled_total",
				Help:      "Total number of deferred drain workers scheduled.",
			},
		),
		CallbacksCoalescedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "callbacks_coalesced_total",
				Help:      "Total number of completion callbacks that found a drain worker already scheduled.",
			},
		),
		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "pending",
				Help:      "Number of regions awaiting completion of their async clear.",
			},
		),
		ReclaimLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sysscrub",
				Subsystem: "scrub",
				Name:      "reclaim_latency_seconds",
				Help:      "Time from async submission to release of the region, in seconds.",
				Buckets:   DefaultReclaimLatencyBuckets,
			},
		),
	}
}

// NewScrubMetrics creates and registers scrub metrics.
// Uses promauto for automatic registration with the default registry.
func NewScrubMetrics() *ScrubMetrics {
	return newScrubMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewScrubMetricsWithRegistry creates scrub metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewScrubMetricsWithRegistry(reg prometheus.Registerer) *ScrubMetrics {
	return newScrubMetrics(promauto.With(reg))
}

// RecordSubmitted counts an accepted submission on path.
func (m *ScrubMetrics) RecordSubmitted(path string) {
	if m == nil {
		return
	}
	m.SubmittedTotal.WithLabelValues(path).Inc()
}

// RecordFallback counts an engine rejection recovered synchronously.
func (m *ScrubMetrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

// RecordReclaimed counts one released region and its submission-to-release
// latency.
func (m *ScrubMetrics) RecordReclaimed(latencySeconds float64) {
	if m == nil {
		return
	}
	m.ReclaimedTotal.Inc()
	m.ReclaimLatency.Observe(latencySeconds)
}

// RecordWorkerScheduled counts a scheduled drain worker.
func (m *ScrubMetrics) RecordWorkerScheduled() {
	if m == nil {
		return
	}
	m.WorkersScheduledTotal.Inc()
}

// RecordCoalesced counts a callback absorbed by an already scheduled worker.
func (m *ScrubMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.CallbacksCoalescedTotal.Inc()
}

// SetPending records the current pending list length.
func (m *ScrubMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
