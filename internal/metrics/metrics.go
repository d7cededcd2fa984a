// Package metrics exposes Prometheus collectors for vclsched on a private
// registry. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for vclsched.
type Metrics struct {
	registry               *prometheus.Registry
	transitionsTotal       *prometheus.CounterVec
	batchResultsTotal      *prometheus.CounterVec
	placeholderUpserts     *prometheus.CounterVec
	semaphoreContention    prometheus.Counter
	semaphoreWaitSeconds   prometheus.Histogram
	pendingOperationsTotal *prometheus.CounterVec
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vclsched",
			Subsystem: "computer",
			Name:      "transitions_total",
			Help:      "Total computer state decisions by action and verdict.",
		},
		[]string{"action", "verdict"},
	)
	batchResultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vclsched",
			Subsystem: "batch",
			Name:      "results_total",
			Help:      "Computers reported per bulk action bucket.",
		},
		[]string{"action", "bucket"},
	)
	placeholderUpserts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vclsched",
			Subsystem: "scheduler",
			Name:      "placeholder_upserts_total",
			Help:      "Placeholder reservations inserted, moved earlier or kept.",
		},
		[]string{"result"},
	)
	semaphoreContention := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vclsched",
			Subsystem: "semaphore",
			Name:      "contention_total",
			Help:      "Semaphore acquisition attempts that found the window held.",
		},
	)
	semaphoreWaitSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vclsched",
			Subsystem: "semaphore",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring a semaphore, successful or not.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	pendingOperationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vclsched",
			Subsystem: "pending",
			Name:      "operations_total",
			Help:      "Pending-operation tokens by outcome.",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		transitionsTotal,
		batchResultsTotal,
		placeholderUpserts,
		semaphoreContention,
		semaphoreWaitSeconds,
		pendingOperationsTotal,
	)

	return &Metrics{
		registry:               registry,
		transitionsTotal:       transitionsTotal,
		batchResultsTotal:      batchResultsTotal,
		placeholderUpserts:     placeholderUpserts,
		semaphoreContention:    semaphoreContention,
		semaphoreWaitSeconds:   semaphoreWaitSeconds,
		pendingOperationsTotal: pendingOperationsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncTransition(action, verdict string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(orUnknown(action), orUnknown(verdict)).Inc()
}

func (m *Metrics) AddBatchResults(action, bucket string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchResultsTotal.WithLabelValues(orUnknown(action), orUnknown(bucket)).Add(float64(n))
}

func (m *Metrics) IncPlaceholderUpsert(result string) {
	if m == nil {
		return
	}
	m.placeholderUpserts.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) IncSemaphoreContention() {
	if m == nil {
		return
	}
	m.semaphoreContention.Inc()
}

func (m *Metrics) ObserveSemaphoreWait(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.semaphoreWaitSeconds.Observe(seconds)
}

func (m *Metrics) IncPendingOperation(result string) {
	if m == nil {
		return
	}
	m.pendingOperationsTotal.WithLabelValues(orUnknown(result)).Inc()
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
