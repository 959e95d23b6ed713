// Package metrics provides the Prometheus instruments of the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace is the namespace for all service metrics.
const MetricsNamespace = "competitor_scout"

// Run outcomes for RunsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics of the pipeline.
type Metrics struct {
	registry prometheus.Gatherer

	// Run metrics
	RunsTotal            *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	ActiveRuns           prometheus.Gauge

	// Provider metrics
	ProviderRequestsTotal *prometheus.CounterVec
	TrafficRecordsTotal   *prometheus.CounterVec
	CacheLookupsTotal     *prometheus.CounterVec
	RateLimitWaitSeconds  prometheus.Histogram
	CircuitBreakerState   *prometheus.GaugeVec

	// Event metrics
	EventsDroppedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses a
// fresh registry, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.initRunMetrics(factory)
	m.initProviderMetrics(factory)

	m.EventsDroppedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "eventbus_dropped_events_total",
			Help:      "Progress events dropped for slow subscribers",
		},
	)

	return m
}

// initRunMetrics initializes run-level metrics.
func (m *Metrics) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Keyword runs by terminal outcome",
		},
		[]string{"outcome"},
	)

	m.StageDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		},
		[]string{"stage"},
	)

	m.ActiveRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "active_runs",
			Help:      "Keyword runs currently in a non-terminal state",
		},
	)
}

// initProviderMetrics initializes outbound provider metrics.
func (m *Metrics) initProviderMetrics(factory promauto.Factory) {
	m.ProviderRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider lookups by result",
		},
		[]string{"provider", "result"},
	)

	m.TrafficRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "traffic_records_total",
			Help:      "Traffic records emitted by data source",
		},
		[]string{"source"},
	)

	m.CacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Traffic cache lookups by result",
		},
		[]string{"result"},
	)

	m.RateLimitWaitSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a traffic lookup permit",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)

	m.CircuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ProviderRequest counts one outbound lookup.
func (m *Metrics) ProviderRequest(provider, result string) {
	m.ProviderRequestsTotal.WithLabelValues(provider, result).Inc()
}

// CacheLookup counts one cache read.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// TrafficRecord counts one emitted record.
func (m *Metrics) TrafficRecord(source string) {
	m.TrafficRecordsTotal.WithLabelValues(source).Inc()
}

// RateLimitWait observes one permit wait.
func (m *Metrics) RateLimitWait(d time.Duration) {
	m.RateLimitWaitSeconds.Observe(d.Seconds())
}

// EventDropped counts one dropped progress event.
func (m *Metrics) EventDropped() {
	m.EventsDroppedTotal.Inc()
}

// BreakerState records the state of a provider's circuit.
func (m *Metrics) BreakerState(provider string, state int) {
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RunStarted tracks a run entering a non-terminal state.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunFinished tracks a run reaching a terminal state.
func (m *Metrics) RunFinished(outcome string) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// StageFinished observes how long a stage ran.
func (m *Metrics) StageFinished(stage string, d time.Duration) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}
