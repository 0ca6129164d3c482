package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the orchestrator exports.
//
// Conventions:
//   - all metric names carry the crossquery_ prefix
//   - provider labels use the closed provider id set
//   - principal ids never appear as label values
type Metrics struct {
	// RequestCounter counts HTTP requests.
	// Labels: method, endpoint, status
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures HTTP request latency in seconds.
	// Labels: method, endpoint, status
	RequestDuration *prometheus.HistogramVec

	// QueryCounter counts orchestrated queries by routing path
	// (single_source|multi_source|pinned).
	QueryCounter *prometheus.CounterVec

	// ToolCallCounter counts gateway tool calls.
	// Labels: provider, tool, status (success|error|cached)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: provider, tool
	ToolCallDuration *prometheus.HistogramVec

	// CacheHits and CacheMisses count cache outcomes per namespace.
	// Labels: namespace, provider
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// LLMCallCounter counts reasoner calls by purpose (rank|select_tools|synthesize).
	LLMCallCounter *prometheus.CounterVec

	// LLMTokens counts tokens by direction (in|out).
	LLMTokens *prometheus.CounterVec

	// LLMCallDuration measures reasoner call latency in seconds.
	LLMCallDuration prometheus.Histogram

	// ErrorCounter counts taxonomy errors.
	// Labels: code, provider (empty when not provider-scoped)
	ErrorCounter *prometheus.CounterVec

	// BreakerState exposes breaker state per provider
	// (0=closed, 1=half_open, 2=open).
	BreakerState *prometheus.GaugeVec

	// ActiveRequests tracks in-flight orchestrations.
	ActiveRequests prometheus.Gauge

	// EventQueueDepth tracks buffered events awaiting a stream consumer.
	EventQueueDepth prometheus.Gauge

	// RateLimited counts rejected requests per window (minute|hour).
	RateLimited *prometheus.CounterVec
}

// NewMetrics registers all instruments with the default registry. Call once
// at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all instruments with the given registerer.
// Tests pass an isolated prometheus.NewRegistry().
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_requests_total",
				Help: "Total HTTP requests by method, endpoint, and status",
			},
			[]string{"method", "endpoint", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crossquery_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
			},
			[]string{"method", "endpoint", "status"},
		),

		QueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_queries_total",
				Help: "Total orchestrated queries by routing path",
			},
			[]string{"routing_path"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_tool_calls_total",
				Help: "Total gateway tool calls by provider, tool, and status",
			},
			[]string{"provider", "tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crossquery_tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"provider", "tool"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_cache_hits_total",
				Help: "Cache hits by namespace and provider",
			},
			[]string{"namespace", "provider"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_cache_misses_total",
				Help: "Cache misses by namespace and provider",
			},
			[]string{"namespace", "provider"},
		),

		LLMCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_llm_calls_total",
				Help: "Reasoner calls by purpose",
			},
			[]string{"purpose"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_llm_tokens_total",
				Help: "Reasoner tokens by direction",
			},
			[]string{"direction"},
		),

		LLMCallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crossquery_llm_call_duration_seconds",
				Help:    "Reasoner call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_errors_total",
				Help: "Taxonomy errors by code and provider",
			},
			[]string{"code", "provider"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crossquery_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
			},
			[]string{"provider"},
		),

		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossquery_active_requests",
				Help: "In-flight orchestrations",
			},
		),

		EventQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossquery_event_queue_depth",
				Help: "Buffered progress events awaiting stream consumers",
			},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossquery_rate_limited_total",
				Help: "Requests rejected by the rate limiter per window",
			},
			[]string{"window"},
		),
	}
}

// RecordToolCall records one gateway tool call outcome.
func (m *Metrics) RecordToolCall(provider, tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(provider, tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(provider, tool).Observe(durationSeconds)
}

// RecordCache records a cache lookup outcome for a namespace.
func (m *Metrics) RecordCache(namespace, provider string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(namespace, provider).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(namespace, provider).Inc()
}

// RecordLLMCall records one reasoner invocation.
func (m *Metrics) RecordLLMCall(purpose string, durationSeconds float64, tokensIn, tokensOut int) {
	m.LLMCallCounter.WithLabelValues(purpose).Inc()
	m.LLMCallDuration.Observe(durationSeconds)
	if tokensIn > 0 {
		m.LLMTokens.WithLabelValues("in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.LLMTokens.WithLabelValues("out").Add(float64(tokensOut))
	}
}

// RecordError records one taxonomy error.
func (m *Metrics) RecordError(code, provider string) {
	m.ErrorCounter.WithLabelValues(code, provider).Inc()
}

// SetBreakerState updates the breaker gauge for a provider.
func (m *Metrics) SetBreakerState(provider string, state float64) {
	m.BreakerState.WithLabelValues(provider).Set(state)
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, durationSeconds float64) {
	m.RequestCounter.WithLabelValues(method, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint, status).Observe(durationSeconds)
}
