// Package metrics exposes Prometheus instrumentation for the stock ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all ledger metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Engine metrics
	Postings          *prometheus.CounterVec
	EntriesRewritten  prometheus.Counter
	Rejections        *prometheus.CounterVec
	ConflictRetries   prometheus.Counter
	LockWait          prometheus.Histogram
	OperationDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Bin publisher
	BinPublishes        *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Drift checks
	VerificationRuns *prometheus.CounterVec
	DriftedEntries   prometheus.Counter
}

// Config holds metrics configuration
type Config struct {
	Namespace string
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{Namespace: "stock_ledger"}
}

// New creates a new Metrics instance on its own registry.
func New(config *Config) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.Postings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "postings_total",
			Help:      "Ledger mutations by operation and path (append, backdated)",
		},
		[]string{"operation", "path"},
	)

	m.EntriesRewritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "reconciled_entries_total",
			Help:      "Entries whose computed fields were rewritten by reconciliation",
		},
	)

	m.Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "rejections_total",
			Help:      "Rejected mutations by reason",
		},
		[]string{"operation", "reason"},
	)

	m.ConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "conflict_retries_total",
			Help:      "Retries after a concurrent reconciliation conflict",
		},
	)

	m.LockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "partition_lock_wait_seconds",
			Help:      "Time spent waiting for partition locks",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	m.BinPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "bin_publishes_total",
			Help:      "Bin projection publishes by status",
		},
		[]string{"status"},
	)

	m.CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.VerificationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "verification_runs_total",
			Help:      "Scheduled drift checks by status",
		},
		[]string{"status"},
	)

	m.DriftedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "drifted_entries_total",
			Help:      "Entries found with cached fields disagreeing with a replay",
		},
	)

	registry.MustRegister(
		m.Postings,
		m.EntriesRewritten,
		m.Rejections,
		m.ConflictRetries,
		m.LockWait,
		m.OperationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BinPublishes,
		m.CircuitBreakerState,
		m.VerificationRuns,
		m.DriftedEntries,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPosting(operation, path string) {
	if m == nil {
		return
	}
	m.Postings.WithLabelValues(operation, path).Inc()
}

func (m *Metrics) RecordRewritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntriesRewritten.Add(float64(n))
}

func (m *Metrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) RecordConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordBinPublish(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BinPublishes.WithLabelValues(status).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordVerification records a finished drift check and the drift it found.
func (m *Metrics) RecordVerification(status string, drifted int) {
	if m == nil {
		return
	}
	m.VerificationRuns.WithLabelValues(status).Inc()
	if drifted > 0 {
		m.DriftedEntries.Add(float64(drifted))
	}
}
