package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the research pipeline.
// One instance per process, registered on its own registry so tests
// never collide with the global default.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	StageDuration      *prometheus.HistogramVec
	BreakerTransitions *prometheus.CounterVec
	ProviderFallbacks  *prometheus.CounterVec
	CacheRequests      *prometheus.CounterVec
	Reservations       *prometheus.CounterVec
	RunCost            prometheus.Histogram
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_runs_total",
			Help: "Research runs by mode and terminal status.",
		}, []string{"mode", "status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepresearch_run_duration_seconds",
			Help:    "End-to-end research run duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepresearch_stage_duration_seconds",
			Help:    "Per-stage duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"service", "from", "to"}),
		ProviderFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_provider_fallbacks_total",
			Help: "Times a request fell past a provider to the next one.",
		}, []string{"capability", "provider"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_cache_requests_total",
			Help: "Stage cache lookups by outcome.",
		}, []string{"stage", "outcome"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepresearch_reservations_total",
			Help: "Credit reservation outcomes.",
		}, []string{"outcome"}),
		RunCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepresearch_run_cost_dollars",
			Help:    "Actual cost per completed run.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	reg.MustRegister(
		m.RunsTotal, m.RunDuration, m.StageDuration, m.BreakerTransitions,
		m.ProviderFallbacks, m.CacheRequests, m.Reservations, m.RunCost,
	)
	return m
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(mode, status string, d time.Duration, cost float64) {
	m.RunsTotal.WithLabelValues(mode, status).Inc()
	m.RunDuration.Observe(d.Seconds())
	if cost > 0 {
		m.RunCost.Observe(cost)
	}
}

// BreakerHook adapts the metrics to the breaker's state change
// callback signature.
func (m *Metrics) BreakerHook() func(service, from, to string) {
	return func(service, from, to string) {
		m.BreakerTransitions.WithLabelValues(service, from, to).Inc()
	}
}
