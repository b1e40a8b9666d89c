// Package toolsapi is the agent-facing HTTP surface of the tools provider:
// the tool manifest, the catalog-change SSE feed, and the call endpoint.
package toolsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/ratelimit"
	"github.com/parleyhq/parley/pkg/models"
)

const maxRequestBytes = 1 << 20

// Catalog is the projection query surface the API reads from.
type Catalog interface {
	ManifestFor(groupIDs []string) []models.ToolManifest
	ToolInGroups(toolID string, groupIDs []string) bool
	Tool(id string) (models.SourceTool, bool)
}

// GroupResolver maps caller claims to granted tool-group ids.
type GroupResolver interface {
	Resolve(ctx context.Context, claims auth.Claims, skipCache bool) ([]string, error)
}

// ToolExecutor runs one tool call to completion.
type ToolExecutor interface {
	Execute(ctx context.Context, def models.ToolDefinition, arguments json.RawMessage, agentToken string) models.CallResult
}

type Options struct {
	Catalog   Catalog
	Resolver  GroupResolver
	Executor  ToolExecutor
	Validator auth.Validator
	Limiter   *ratelimit.Limiter

	// Updates receives one value per catalog change; SSE streams re-push
	// the tool list when it fires. Wire it with WatchBus.
	Updates func(ctx context.Context) (<-chan struct{}, func(), error)

	// Heartbeat is the SSE keepalive interval. Defaults to 30s.
	Heartbeat time.Duration

	// MetricsHandler serves GET /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Server implements the tools-provider routes.
type Server struct {
	catalog   Catalog
	resolver  GroupResolver
	executor  ToolExecutor
	validator auth.Validator
	limiter   *ratelimit.Limiter
	updates   func(ctx context.Context) (<-chan struct{}, func(), error)
	heartbeat time.Duration
	metricsH  http.Handler
	metrics   *observability.Metrics
	logger    *observability.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewServer(opts Options) *Server {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	mh := opts.MetricsHandler
	if mh == nil {
		mh = promhttp.Handler()
	}
	return &Server{
		catalog:   opts.Catalog,
		resolver:  opts.Resolver,
		executor:  opts.Executor,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		updates:   opts.Updates,
		heartbeat: hb,
		metricsH:  mh,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Handler builds the route table. Agent-facing routes sit behind bearer
// auth; health and metrics do not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsH)

	protected := auth.Middleware(s.validator, s.logger)
	mux.Handle("GET /agent/tools", protected(http.HandlerFunc(s.handleManifest)))
	mux.Handle("GET /agent/sse", protected(http.HandlerFunc(s.handleSSE)))
	mux.Handle("POST /agent/tools/call", protected(http.HandlerFunc(s.handleCall)))
	mux.Handle("POST /cancel/{request_id}", protected(http.HandlerFunc(s.handleCancel)))

	return s.instrument(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleManifest returns the tool list the caller's claims grant.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	groups, err := s.resolver.Resolve(r.Context(), claims, false)
	if err != nil {
		s.logError(r.Context(), "access resolution failed", err)
		writeError(w, http.StatusInternalServerError, "access resolution failed")
		return
	}

	manifests := s.catalog.ManifestFor(groups)
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": manifests,
		"count": len(manifests),
	})
}

// handleCall validates membership, rate limits per caller, and hands the
// call to the executor. A tool outside every granted group is refused
// before anything reaches the upstream.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	subject := claims.Subject()

	if s.limiter != nil && !s.limiter.Allow(subject) {
		retry := s.limiter.RetryAfter(subject)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, models.CallResult{
			Status:    models.CallFailed,
			Error:     "rate limit exceeded",
			ErrorCode: "rate_limited",
		})
		return
	}

	var req models.CallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	groups, err := s.resolver.Resolve(r.Context(), claims, false)
	if err != nil {
		s.logError(r.Context(), "access resolution failed", err)
		writeError(w, http.StatusInternalServerError, "access resolution failed")
		return
	}

	toolID := req.ToolID
	if toolID == "" && req.Name != "" {
		toolID = s.toolIDByName(groups, req.Name)
	}
	if toolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id or name required")
		return
	}

	if !s.catalog.ToolInGroups(toolID, groups) {
		writeJSON(w, http.StatusForbidden, models.CallResult{
			ToolID:    toolID,
			Status:    models.CallFailed,
			Error:     fmt.Sprintf("tool %q is not in any granted group", toolID),
			ErrorCode: "forbidden",
		})
		return
	}

	tool, ok := s.catalog.Tool(toolID)
	if !ok {
		writeJSON(w, http.StatusNotFound, models.CallResult{
			ToolID:    toolID,
			Status:    models.CallFailed,
			Error:     "tool not found",
			ErrorCode: "not_found",
		})
		return
	}

	ctx := r.Context()
	if req.RequestID != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		s.registerCancel(req.RequestID, cancel)
		defer s.unregisterCancel(req.RequestID)
	}

	result := s.executor.Execute(ctx, tool.Definition, req.Arguments, token)
	result.ToolID = toolID
	writeJSON(w, http.StatusOK, result)
}

// handleCancel triggers cooperative cancellation of an in-flight call.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	if ok {
		delete(s.cancels, id)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "no in-flight call with that request id")
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "cancelled": true})
}

func (s *Server) registerCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = cancel
}

func (s *Server) unregisterCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		delete(s.cancels, id)
		cancel()
	}
}

// toolIDByName resolves a bare tool name within the caller's granted
// manifest, so names can never reach across group boundaries.
func (s *Server) toolIDByName(groups []string, name string) string {
	for _, m := range s.catalog.ManifestFor(groups) {
		if m.Name == name {
			return m.ToolID
		}
	}
	return ""
}

func (s *Server) logError(ctx context.Context, msg string, err error) {
	if s.logger != nil {
		s.logger.Error(ctx, msg, "error", err)
	}
}

// instrument records method/path/status/duration for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(sw.status), time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
