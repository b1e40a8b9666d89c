// Package host serves the agent host's HTTP surface: the WebSocket
// endpoint, the SSE alternative transport, health, and metrics.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/connection"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

// Options wires the server's collaborators.
type Options struct {
	Config       config.HostServerConfig
	Connection   config.ConnectionConfig
	Validator    auth.Validator
	Manager      *connection.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// Server is the agent host's HTTP front end. It tracks live sessions so
// client frames arriving out of band (the SSE transport) can be routed.
type Server struct {
	cfg     config.HostServerConfig
	connCfg config.ConnectionConfig
	auth    auth.Validator
	manager *connection.Manager
	orch    *orchestrator.Orchestrator
	metrics *observability.Metrics
	logger  *observability.Logger

	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

func NewServer(opts Options) *Server {
	return &Server{
		cfg:      opts.Config,
		connCfg:  opts.Connection,
		auth:     opts.Validator,
		manager:  opts.Manager,
		orch:     opts.Orchestrator,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		sessions: make(map[string]*orchestrator.Session),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /sse/frames", s.handleSSEFrame)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Run serves until ctx is cancelled, then drains: every connection gets a
// server_shutdown close before the listener stops accepting.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logInfo(ctx, "agent host listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("host server: %w", err)
	case <-ctx.Done():
	}

	s.logInfo(context.Background(), "agent host draining")
	s.closeSessions()
	s.manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 15 * time.Second
}

func (s *Server) trackSession(connID string, sess *orchestrator.Session) {
	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()
}

func (s *Server) dropSession(connID string) {
	s.mu.Lock()
	sess := s.sessions[connID]
	delete(s.sessions, connID)
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *Server) session(connID string) (*orchestrator.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[connID]
	return sess, ok
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	all := make([]*orchestrator.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*orchestrator.Session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.Close()
	}
}

func (s *Server) logInfo(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(ctx, msg, args...)
	}
}

func (s *Server) logWarn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(ctx, msg, args...)
	}
}

func (s *Server) logError(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(ctx, msg, args...)
	}
}

// authenticate pulls the bearer from the Authorization header or the token
// query parameter (browser WebSocket clients cannot set headers).
func (s *Server) authenticate(r *http.Request) (auth.Claims, string, error) {
	token := ""
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		token = h[7:]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, "", errors.New("missing bearer token")
	}
	claims, err := s.auth.Validate(r.Context(), token)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

// connSender adapts the manager's delivery path to the orchestrator.
type connSender struct {
	manager *connection.Manager
	connID  string
}

func (c connSender) Send(frame models.Frame) error {
	return c.manager.SendToConnection(c.connID, frame)
}
