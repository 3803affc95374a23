// Package metrics exposes store activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects call, error and queue metrics for one store. All
// methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	calls      *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	groupSize  prometheus.Histogram
	queueDepth prometheus.Gauge

	// Mirrors for Snapshot
	callsTotal   atomic.Uint64
	errorsTotal  atomic.Uint64
	groups       atomic.Uint64
	groupedCalls atomic.Uint64
	depth        atomic.Int64
	latencySum   atomic.Uint64
	latencyN     atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a collector set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncstore_calls_total",
			Help: "Store calls settled, by operation.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncstore_errors_total",
			Help: "Store calls that failed, by operation and error code.",
		}, []string{"op", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncstore_call_duration_seconds",
			Help:    "Time from enqueue to settlement.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		groupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asyncstore_group_size",
			Help:    "Write calls committed per engine batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncstore_queue_depth",
			Help: "Calls waiting for the dispatcher.",
		}),
		startTime: time.Now(),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "asyncstore_uptime_seconds",
		Help: "Time since the store was created.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(m.calls, m.errors, m.latency, m.groupSize, m.queueDepth, uptime)
	return m
}

// RecordCall records a settled call. code is empty for success.
func (m *Metrics) RecordCall(op, code string, latency time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(op).Inc()
	m.latency.WithLabelValues(op).Observe(latency.Seconds())
	m.callsTotal.Add(1)
	m.latencySum.Add(uint64(latency.Microseconds()))
	m.latencyN.Add(1)
	if code != "" {
		m.errors.WithLabelValues(op, code).Inc()
		m.errorsTotal.Add(1)
	}
}

// RecordGroup records one group commit of n calls.
func (m *Metrics) RecordGroup(n int) {
	if m == nil {
		return
	}
	m.groupSize.Observe(float64(n))
	m.groups.Add(1)
	m.groupedCalls.Add(uint64(n))
}

// SetQueueDepth sets the number of pending calls.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
	m.depth.Store(int64(n))
}

// Registry returns the registry holding the store's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot holds current metric values.
type Snapshot struct {
	CallsTotal    uint64
	ErrorsTotal   uint64
	Groups        uint64
	GroupedCalls  uint64
	QueueDepth    int64
	AvgLatencyMs  float64
	UptimeSeconds float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	var avg float64
	if n := m.latencyN.Load(); n > 0 {
		avg = float64(m.latencySum.Load()) / float64(n) / 1000.0
	}
	return Snapshot{
		CallsTotal:    m.callsTotal.Load(),
		ErrorsTotal:   m.errorsTotal.Load(),
		Groups:        m.groups.Load(),
		GroupedCalls:  m.groupedCalls.Load(),
		QueueDepth:    m.depth.Load(),
		AvgLatencyMs:  avg,
		UptimeSeconds: time.Since(m.startTime).Seconds(),
	}
}
