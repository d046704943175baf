// Package metrics exposes Prometheus instrumentation for the entitlement API.
package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitlement"

// maxLabelLen is the maximum length for a metric label value
const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds every collector the service records
type Metrics struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	consumes      *prometheus.CounterVec
	conflicts     prometheus.Counter
	webhooks      *prometheus.CounterVec
	rateLimited   prometheus.Counter
	adminChanges  *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance, registering it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route pattern and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and route pattern",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Entitlement decisions by action, source and outcome",
			},
			[]string{"action", "source", "allowed"},
		),
		consumes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consume_total",
				Help:      "Consume calls by outcome",
			},
			[]string{"outcome"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credit_conflicts_total",
				Help:      "Charges that lost the compare-and-swap at commit time",
			},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Inbound webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consume_rate_limited_total",
				Help:      "Consume requests rejected by the per-principal throttle",
			},
		),
		adminChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_changes_total",
				Help:      "Manual purchase and principal changes by kind",
			},
			[]string{"kind"},
		),
		storageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Storage failures surfaced to callers by operation",
			},
			[]string{"op"},
		),
	}

	prometheus.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.decisions,
		m.consumes,
		m.conflicts,
		m.webhooks,
		m.rateLimited,
		m.adminChanges,
		m.storageErrors,
	)

	return m
}

// ObserveHTTPRequest records one served request. route must be the router
// pattern, not the raw path.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	m := Get()
	m.httpRequests.WithLabelValues(method, sanitizeLabel(route), strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, sanitizeLabel(route)).Observe(d.Seconds())
}

// RecordDecision records a resolver outcome.
func RecordDecision(action, source string, allowed bool) {
	Get().decisions.WithLabelValues(sanitizeLabel(action), sanitizeLabel(source), strconv.FormatBool(allowed)).Inc()
}

// RecordConsume records a consume outcome (charged, free, denied, replayed, error).
func RecordConsume(outcome string) {
	Get().consumes.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// RecordCreditConflict records a lost compare-and-swap.
func RecordCreditConflict() {
	Get().conflicts.Inc()
}

// RecordWebhook records an inbound webhook outcome.
func RecordWebhook(eventType, outcome string) {
	Get().webhooks.WithLabelValues(sanitizeLabel(eventType), sanitizeLabel(outcome)).Inc()
}

// RecordRateLimited records a throttled consume request.
func RecordRateLimited() {
	Get().rateLimited.Inc()
}

// RecordAdminChange records a manual override.
func RecordAdminChange(kind string) {
	Get().adminChanges.WithLabelValues(sanitizeLabel(kind)).Inc()
}

// RecordStorageError records a storage failure returned to a caller.
func RecordStorageError(op string) {
	Get().storageErrors.WithLabelValues(sanitizeLabel(op)).Inc()
}
