// Package metrics exposes Prometheus instrumentation for model calls,
// circuit breakers, tier resolution, the pipeline and the state store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Model client
	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reco_model_call_duration_seconds",
			Help:    "Duration of single model endpoint attempts",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"endpoint"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_model_calls_total",
			Help: "Model endpoint attempts by outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ModelRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_model_retries_total",
			Help: "Retries issued after transient model failures",
		},
		[]string{"endpoint"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reco_circuit_breaker_state",
			Help: "Circuit state per endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_circuit_breaker_transitions_total",
			Help: "Circuit state transitions",
		},
		[]string{"endpoint", "from", "to"},
	)

	// Fallback chain
	TierServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_tier_served_total",
			Help: "Requests served per degradation tier",
		},
		[]string{"tier"},
	)

	TierDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_tier_downgrades_total",
			Help: "Tier downgrades by originating tier and failure reason",
		},
		[]string{"from", "reason"},
	)

	// Pipeline
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reco_pipeline_duration_seconds",
			Help:    "End-to-end recommend latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"tier"},
	)

	PipelineFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_pipeline_failures_total",
			Help: "Terminal request failures",
		},
		[]string{"reason"},
	)

	ExplanationsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_explanations_total",
			Help: "Explanation outcomes: attached, skipped or the failure reason",
		},
		[]string{"outcome"},
	)

	// State store
	StateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reco_state_updates_total",
			Help: "State store updates by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reco_persistence_failures_total",
			Help: "Recommendations delivered whose state update failed",
		},
	)
)

// ObserveModelCall records one endpoint attempt.
func ObserveModelCall(endpoint, outcome string, d time.Duration) {
	ModelCallDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	ModelCalls.WithLabelValues(endpoint, outcome).Inc()
}

// ObservePipeline records a served request.
func ObservePipeline(tier string, d time.Duration) {
	TierServed.WithLabelValues(tier).Inc()
	PipelineDuration.WithLabelValues(tier).Observe(d.Seconds())
}
