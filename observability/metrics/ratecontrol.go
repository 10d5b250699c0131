package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type RateControlMetrics struct {
	updates       *prometheus.CounterVec
	targetRate    *prometheus.GaugeVec
	rawOutput     *prometheus.GaugeVec
	saturations   *prometheus.CounterVec
	paused        *prometheus.GaugeVec
	hookFailures  *prometheus.CounterVec
	sourceLatency *prometheus.HistogramVec

	// OTLP mirrors of the update and fetch series.
	updateCounter metric.Int64Counter
	fetchLatency  metric.Float64Histogram
}

var (
	rateControlOnce     sync.Once
	rateControlRegistry *RateControlMetrics
)

// RateControl returns the lazily registered controller metrics.
func RateControl() *RateControlMetrics {
	rateControlOnce.Do(func() {
		m := newRateControlMetrics()
		prometheus.MustRegister(
			m.updates,
			m.targetRate,
			m.rawOutput,
			m.saturations,
			m.paused,
			m.hookFailures,
			m.sourceLatency,
		)
		m.initMeter(otel.GetMeterProvider())
		rateControlRegistry = m
	})
	return rateControlRegistry
}

func newRateControlMetrics() *RateControlMetrics {
	return &RateControlMetrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratecontrol_updates_total",
			Help: "Controller update attempts by outcome.",
		}, []string{"outcome"}),
		targetRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratecontrol_target_rate",
			Help: "Latest committed target rate per entity in 1e18 units.",
		}, []string{"entity"}),
		rawOutput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratecontrol_pid_output",
			Help: "Latest controller output before the rate-of-change limit.",
		}, []string{"entity"}),
		saturations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratecontrol_integral_saturations_total",
			Help: "Updates whose integral term was frozen by anti-windup.",
		}, []string{"entity"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratecontrol_paused",
			Help: "Whether updates are paused for the entity (1) or not (0).",
		}, []string{"entity"}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratecontrol_pause_hook_failures_total",
			Help: "Pause hook notifications that returned an error.",
		}, []string{"entity"}),
		sourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratecontrol_source_fetch_seconds",
			Help:    "Latency of input and error source fetches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

func (m *RateControlMetrics) initMeter(provider metric.MeterProvider) {
	meter := provider.Meter("ratecontrol")
	updates, err := meter.Int64Counter("ratecontrol.updates",
		metric.WithDescription("Controller update attempts by outcome."))
	if err != nil {
		updates, _ = noop.NewMeterProvider().Meter("ratecontrol").Int64Counter("ratecontrol.updates")
	}
	latency, err := meter.Float64Histogram("ratecontrol.source.fetch_ms",
		metric.WithDescription("Latency of source fetches."),
		metric.WithUnit("ms"))
	if err != nil {
		latency, _ = noop.NewMeterProvider().Meter("ratecontrol").Float64Histogram("ratecontrol.source.fetch_ms")
	}
	m.updateCounter = updates
	m.fetchLatency = latency
}

func (m *RateControlMetrics) RecordUpdate(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.updates.WithLabelValues(outcome).Inc()
	if m.updateCounter != nil {
		m.updateCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordRate publishes the committed target and the controller output. Values
// are exported as floats scaled down by 1e18.
func (m *RateControlMetrics) RecordRate(entity string, target uint64, output float64, saturated bool) {
	if m == nil {
		return
	}
	m.targetRate.WithLabelValues(entity).Set(float64(target) / 1e18)
	m.rawOutput.WithLabelValues(entity).Set(output)
	if saturated {
		m.saturations.WithLabelValues(entity).Inc()
	}
}

func (m *RateControlMetrics) SetPaused(entity string, paused bool) {
	if m == nil {
		return
	}
	value := 0.0
	if paused {
		value = 1
	}
	m.paused.WithLabelValues(entity).Set(value)
}

func (m *RateControlMetrics) RecordHookFailure(entity string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(entity).Inc()
}

func (m *RateControlMetrics) ObserveSource(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sourceLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	if m.fetchLatency != nil {
		m.fetchLatency.Record(context.Background(), float64(duration.Microseconds())/1000,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
