// Package metrics exposes Prometheus collectors for the queue, the worker
// processes, the metadata cache and maintenance passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arcmirror"

// Metrics holds every collector on its own registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	queueItems        *prometheus.GaugeVec
	workerExits       *prometheus.CounterVec
	workerDuration    prometheus.Histogram
	cacheRequests     *prometheus.CounterVec
	maintenanceRuns   *prometheus.CounterVec
	maintenanceIssues *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.queueItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Download queue records by status.",
		},
		[]string{"status"},
	)

	m.workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Worker process exits by outcome.",
		},
		[]string{"outcome"},
	)

	m.workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "duration_seconds",
			Help:      "Wall time of worker processes.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	m.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Metadata cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	m.maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Maintenance actions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	m.maintenanceIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "issues_total",
			Help:      "Issues reported by maintenance passes by type.",
		},
		[]string{"type"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueItems,
		m.workerExits,
		m.workerDuration,
		m.cacheRequests,
		m.maintenanceRuns,
		m.maintenanceIssues,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetQueueCounts replaces the per-status queue gauges.
func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.queueItems.Reset()
	for status, n := range counts {
		m.queueItems.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveWorkerExit records how a worker process ended and how long it ran.
func (m *Metrics) ObserveWorkerExit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerExits.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.workerDuration.Observe(d.Seconds())
	}
}

// CacheHit records a lookup served by tier.
func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(tier, "hit").Inc()
}

// CacheMiss records a lookup no tier could serve.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues("all", "miss").Inc()
}

// MaintenanceRun records one dispatched maintenance action.
func (m *Metrics) MaintenanceRun(action string, success bool, issues map[string]int) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.maintenanceRuns.WithLabelValues(action, outcome).Inc()
	for issueType, n := range issues {
		m.maintenanceIssues.WithLabelValues(issueType).Add(float64(n))
	}
}
