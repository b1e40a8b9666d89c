package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool execution patterns, latencies, and failure modes
//   - LLM request performance, streaming latency, and token usage
//   - Agent loop iterations and run outcomes
//   - Token exchange results and cache effectiveness
//   - Circuit breaker state transitions per upstream source
//   - Event store appends and projection lag
//   - Active WebSocket/SSE connections for capacity planning
//
// Usage:
//
//	metrics := observability.NewMetrics(nil) // nil registers on the default registry
//	metrics.RecordToolExecution("crm:get_customer", "completed", time.Since(start).Seconds())
type Metrics struct {
	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_id, status (completed|failed)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_id
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (openai|anthropic|google|ollama|gateway), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// AgentRunCounter counts agent runs by terminal status.
	// Labels: status (completed|failed|cancelled)
	AgentRunCounter *prometheus.CounterVec

	// AgentIterations measures ReAct iterations consumed per run.
	// Buckets: 1..10
	AgentIterations prometheus.Histogram

	// TokenExchangeCounter counts token exchange outcomes.
	// Labels: result (success|failure|cache_hit)
	TokenExchangeCounter *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state transitions.
	// Labels: source_id, to_state (open|half_open|closed)
	BreakerTransitions *prometheus.CounterVec

	// EventsAppended counts domain events appended to the event store.
	// Labels: aggregate_type
	EventsAppended *prometheus.CounterVec

	// ProjectionLag tracks how many global positions each projection trails
	// the head of the event log.
	// Labels: projection
	ProjectionLag *prometheus.GaugeVec

	// ActiveConnections is a gauge tracking current live client connections.
	// Labels: transport (websocket|sse)
	ActiveConnections *prometheus.GaugeVec

	// SourceSyncCounter counts upstream source sync attempts.
	// Labels: source_id, status (success|error)
	SourceSyncCounter *prometheus.CounterVec

	// AccessResolutionCounter counts tool visibility resolutions.
	// Labels: result (hit|miss)
	AccessResolutionCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|executor|catalog|connection|projection), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures event store query latency.
	// Labels: operation (select|insert|update|delete), table
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts event store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once per registry at application startup.
//
// Passing nil registers on the Prometheus default registry, which is what
// the /metrics endpoint serves. Tests pass a fresh registry for isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total number of tool executions by tool ID and status",
			},
			[]string{"tool_id", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_id"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		AgentRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_agent_runs_total",
				Help: "Total number of agent runs by terminal status",
			},
			[]string{"status"},
		),

		AgentIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_agent_iterations",
				Help:    "ReAct iterations consumed per agent run",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
		),

		TokenExchangeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_token_exchanges_total",
				Help: "Total number of token exchange outcomes",
			},
			[]string{"result"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions by source",
			},
			[]string{"source_id", "to_state"},
		),

		EventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_appended_total",
				Help: "Total number of domain events appended by aggregate type",
			},
			[]string{"aggregate_type"},
		),

		ProjectionLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_projection_lag_positions",
				Help: "Global positions each projection trails the event log head",
			},
			[]string{"projection"},
		),

		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_active_connections",
				Help: "Current number of live client connections by transport",
			},
			[]string{"transport"},
		),

		SourceSyncCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_source_syncs_total",
				Help: "Total number of upstream source sync attempts by status",
			},
			[]string{"source_id", "status"},
		),

		AccessResolutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_access_resolutions_total",
				Help: "Total number of tool visibility resolutions by cache result",
			},
			[]string{"result"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("crm:get_customer", "completed", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolID, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolID, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolID).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordAgentRun records the terminal status and iteration count of an agent run.
func (m *Metrics) RecordAgentRun(status string, iterations int) {
	m.AgentRunCounter.WithLabelValues(status).Inc()
	m.AgentIterations.Observe(float64(iterations))
}

// RecordTokenExchange increments the token exchange counter.
// Result is one of "success", "failure", or "cache_hit".
func (m *Metrics) RecordTokenExchange(result string) {
	m.TokenExchangeCounter.WithLabelValues(result).Inc()
}

// RecordBreakerTransition increments the breaker transition counter.
func (m *Metrics) RecordBreakerTransition(sourceID, toState string) {
	m.BreakerTransitions.WithLabelValues(sourceID, toState).Inc()
}

// RecordEventAppended increments the appended-events counter.
func (m *Metrics) RecordEventAppended(aggregateType string) {
	m.EventsAppended.WithLabelValues(aggregateType).Inc()
}

// SetProjectionLag records how far a projection trails the event log head.
func (m *Metrics) SetProjectionLag(projection string, lag float64) {
	m.ProjectionLag.WithLabelValues(projection).Set(lag)
}

// ConnectionOpened increments the active connections gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	m.ActiveConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	m.ActiveConnections.WithLabelValues(transport).Dec()
}

// RecordSourceSync records the outcome of an upstream source sync.
func (m *Metrics) RecordSourceSync(sourceID, status string) {
	m.SourceSyncCounter.WithLabelValues(sourceID, status).Inc()
}

// RecordAccessResolution records a visibility cache hit or miss.
func (m *Metrics) RecordAccessResolution(result string) {
	m.AccessResolutionCounter.WithLabelValues(result).Inc()
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("executor", "validation_failed")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records metrics for a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
