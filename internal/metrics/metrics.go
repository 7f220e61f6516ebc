// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request lifecycle
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_requests_total",
			Help: "Total requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contextgate_request_duration_seconds",
			Help:    "End-to-end request latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Preflight and rate limiting
	PreflightDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_preflight_decisions_total",
			Help: "Preflight decisions by decision and detection kind",
		},
		[]string{"decision", "kind"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_rate_limited_total",
			Help: "Requests denied by the rate limiter, by limit kind",
		},
		[]string{"kind"},
	)

	// Circuit breakers
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextgate_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half_open)",
		},
		[]string{"service"},
	)

	BreakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_breaker_rejections_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"service"},
	)

	// Retrieval
	RetrievalHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_retrieval_hits_total",
			Help: "Retrieval sources kept, by tier",
		},
		[]string{"tier"},
	)

	PrivacyFilterLeaksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contextgate_privacy_filter_leaks_total",
			Help: "Rows the storage layer returned outside the caller's access filter",
		},
	)

	SanitizationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contextgate_context_sanitizations_total",
			Help: "Injection spans removed from retrieved context",
		},
	)

	// LLM agents
	AgentFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_agent_fallbacks_total",
			Help: "Fallback switches away from an agent",
		},
		[]string{"from"},
	)

	TokensStreamedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_tokens_streamed_total",
			Help: "Tokens streamed to clients, by agent",
		},
		[]string{"agent"},
	)

	CostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_cost_usd_total",
			Help: "Estimated LLM spend in dollars, by agent",
		},
		[]string{"agent"},
	)

	// Memory writes
	MemoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextgate_memory_writes_total",
			Help: "Memory writes by tier and result",
		},
		[]string{"tier", "result"},
	)
)
