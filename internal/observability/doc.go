// Package observability provides metrics, structured logging, and distributed
// tracing for both Parley services.
//
// # Metrics
//
// Metrics are implemented with the Prometheus client library and track tool
// executions, LLM requests, agent runs, token exchanges, circuit breaker
// transitions, event store appends, projection lag, and live connections.
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordToolExecution("crm:get_customer", "completed", elapsed.Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with automatic correlation IDs pulled
// from context (request, conversation, connection, user, run, tool call) and
// redaction of sensitive values before they reach the log stream.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddConversationID(ctx, conversationID)
//	logger.Info(ctx, "message accepted", "role", "user")
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no collector
// endpoint is configured the tracer degrades to a no-op so call sites never
// branch on whether tracing is enabled.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "parley-tools",
//	    Endpoint:    cfg.Observability.OTLPEndpoint,
//	})
//	defer shutdown(context.Background())
package observability
