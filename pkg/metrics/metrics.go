// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMCallDuration tracks the duration of physical model calls.
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Model call duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// GatewayInFlight tracks model calls currently holding a limiter slot.
	GatewayInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_inflight_calls",
			Help: "Model calls currently holding a concurrency slot",
		},
	)

	// GatewayFallbacks counts fallback hops taken after a failed model call.
	GatewayFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fallbacks_total",
			Help: "Fallback hops taken per logical model",
		},
		[]string{"logical_model"},
	)

	// CacheLookups counts similarity cache lookups by outcome.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_cache_lookups_total",
			Help: "Similarity cache lookups by match type",
		},
		[]string{"match_type"},
	)

	// Decisions counts terminal decisions of the reasoning loop.
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_decisions_total",
			Help: "Terminal decisions by action and source",
		},
		[]string{"action", "source"},
	)

	// LoopTurns tracks the number of turns used per reasoning run.
	LoopTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoreply_loop_turns",
			Help:    "Turns used by the reasoning loop",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// JobsProcessed counts queue job executions by outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_jobs_processed_total",
			Help: "Queue job executions by type and outcome",
		},
		[]string{"job_type", "outcome"},
	)

	// JobsDeadLettered counts jobs abandoned after exhausting their attempts.
	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_jobs_dead_lettered_total",
			Help: "Jobs abandoned after exhausting retries",
		},
		[]string{"job_type"},
	)

	// LockAcquisitions counts lock attempts by result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_lock_acquisitions_total",
			Help: "Lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	// EscalationTransitions counts escalation state machine transitions.
	EscalationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_escalation_transitions_total",
			Help: "Escalation state machine transitions",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCall records metrics for a single physical model call.
func RecordLLMCall(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMCallDuration.WithLabelValues(provider, model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
