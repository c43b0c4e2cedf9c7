// Package metrics exposes Prometheus collectors for the ingest and analysis
// pipeline. All collectors are registered on the default registry and served
// at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "path"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Total LLM API requests by outcome",
	}, []string{"status"})

	LLMTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Total tokens (prompt + completion) reported by the LLM",
	})

	LLMCostEstimateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "llm_cost_estimate_total",
		Help: "Estimated LLM spend in USD",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of conversation ids in the analysis queue",
	})

	BackpressureEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backpressure_events_total",
		Help: "Times an enqueue was refused because the queue was full",
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_state",
		Help: "Circuit breaker state (1 for the current state, 0 otherwise)",
	}, []string{"state"})
)

// RecordLLMSuccess records one successful LLM call with its usage.
func RecordLLMSuccess(tokens int, cost float64) {
	LLMRequestsTotal.WithLabelValues("success").Inc()
	if tokens > 0 {
		LLMTokensTotal.Add(float64(tokens))
	}
	if cost > 0 {
		LLMCostEstimateTotal.Add(cost)
	}
}

// RecordLLMError records one failed LLM call.
func RecordLLMError() {
	LLMRequestsTotal.WithLabelValues("error").Inc()
}

// SetCircuitState flips the circuit_state gauge to the given state.
func SetCircuitState(state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		CircuitState.WithLabelValues(s).Set(v)
	}
}
