// Package mcpruntime maintains live MCP sessions for sources ingested from
// MCP manifests. Stdio servers are spawned as subprocesses through mcp-go;
// HTTP servers (streamable_http, sse) speak JSON-RPC over POST with SSE
// response sniffing and session-id propagation.
package mcpruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
)

// Transport is how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable_http"
	TransportSSE            Transport = "sse"
)

const protocolVersion = "2024-11-05"

// ServerSpec describes one MCP server.
type ServerSpec struct {
	Name      string
	Transport Transport

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP transports.
	URL     string
	Headers map[string]string
}

// ToolInfo is one tool advertised by a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolError is a tool-level failure: the call reached the server and the
// server reported isError with this text.
type ToolError struct {
	Text string
}

func (e *ToolError) Error() string { return e.Text }

// session is the connection surface shared by the transports.
type session interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Close() error
}

// Manager owns the sessions, keyed by server name. Sessions connect
// lazily and are reused across syncs and tool calls.
type Manager struct {
	logger     *observability.Logger
	sseTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]session
	specs    map[string]ServerSpec
}

// Options configure the manager.
type Options struct {
	Logger *observability.Logger

	// SSETimeout bounds reading one SSE-framed JSON-RPC response.
	SSETimeout time.Duration
}

func NewManager(opts Options) *Manager {
	sseTimeout := opts.SSETimeout
	if sseTimeout <= 0 {
		sseTimeout = 5 * time.Minute
	}
	return &Manager{
		logger:     opts.Logger,
		sseTimeout: sseTimeout,
		sessions:   make(map[string]session),
		specs:      make(map[string]ServerSpec),
	}
}

// Register makes a server known to the manager without connecting.
func (m *Manager) Register(spec ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Name] = spec
}

// Servers lists registered server names.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.specs))
	for name := range m.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools ensures a session for spec and lists its tools. The spec is
// registered as a side effect so later CallTool by name resolves.
func (m *Manager) ListTools(ctx context.Context, spec ServerSpec) ([]ToolInfo, error) {
	m.Register(spec)
	s, err := m.ensure(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	return s.ListTools(ctx)
}

// CallTool invokes a tool on a registered server. A *ToolError means the
// server executed the call and reported failure; other errors are
// transport-level.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	s, err := m.ensure(ctx, server)
	if err != nil {
		return nil, err
	}
	result, err := s.CallTool(ctx, tool, args)
	if err != nil {
		if _, isToolErr := err.(*ToolError); !isToolErr {
			// Transport failure: drop the session so the next call
			// reconnects (a crashed stdio subprocess stays crashed).
			m.drop(server)
		}
		return nil, err
	}
	return result, nil
}

// Close shuts down every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, s := range m.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, name)
	}
	return firstErr
}

func (m *Manager) ensure(ctx context.Context, name string) (session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return s, nil
	}
	spec, ok := m.specs[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcpruntime: unknown server %q", name)
	}

	s, err := m.connect(ctx, spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[name]; ok {
		// Lost the race; keep the winner.
		s.Close()
		return existing, nil
	}
	m.sessions[name] = s
	if m.logger != nil {
		m.logger.Info(ctx, "mcp session established",
			"server", name, "transport", string(spec.Transport))
	}
	return s, nil
}

func (m *Manager) connect(ctx context.Context, spec ServerSpec) (session, error) {
	switch spec.Transport {
	case TransportStdio:
		return newStdioSession(ctx, spec)
	case TransportStreamableHTTP, TransportSSE:
		return newHTTPSession(spec, m.sseTimeout), nil
	default:
		return nil, fmt.Errorf("mcpruntime: unsupported transport %q", spec.Transport)
	}
}

func (m *Manager) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok {
		s.Close()
		delete(m.sessions, name)
	}
}
