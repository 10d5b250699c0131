package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics covers the ratesd HTTP surface and its side channels.
type APIMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	throttles     *prometheus.CounterVec
	subscribers   prometheus.Gauge
	auditFailures *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics
)

// API returns the lazily registered API metrics.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratecontrol",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests by route and status class.",
			}, []string{"route", "class"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ratecontrol",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratecontrol",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "API requests rejected by the rate limiter.",
			}, []string{"reason"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ratecontrol",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Open websocket event subscriptions.",
			}),
			auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ratecontrol",
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Events that could not be written to the audit log.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.latency,
			apiRegistry.throttles,
			apiRegistry.subscribers,
			apiRegistry.auditFailures,
		)
	})
	return apiRegistry
}

// StatusClass buckets an HTTP status into "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Observe records one finished request on route.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, StatusClass(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons are stable strings such
// as "rate_limit".
func (m *APIMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// StreamOpened and StreamClosed track websocket subscriptions.
func (m *APIMetrics) StreamOpened() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *APIMetrics) StreamClosed() {
	if m != nil {
		m.subscribers.Dec()
	}
}

// RecordAuditFailure counts an event lost by the audit log.
func (m *APIMetrics) RecordAuditFailure(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.auditFailures.WithLabelValues(eventType).Inc()
}
