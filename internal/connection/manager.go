// Package connection tracks every live client connection for the agent
// host: delivery indexes, the heartbeat loop, and the idle reaper.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// Transport is the write side of one client connection. The manager's
// pump goroutine and Disconnect can write concurrently, so
// implementations must serialize their own writes.
type Transport interface {
	WriteFrame(frame models.Frame) error
	// Close delivers the close code and reason to the peer and releases
	// the underlying stream.
	Close(code int, reason string) error
}

// Conn is one tracked connection.
type Conn struct {
	ID             string
	UserID         string
	ConversationID string
	TransportName  string

	transport Transport
	send      chan models.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	idleSince    time.Time
	lastPing     time.Time
	awaitingPong bool
	missedPongs  int
}

// SetState transitions the connection's lifecycle state.
func (c *Conn) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// deliverable reports whether frames may be queued for the connection.
// Only authenticated and active connections receive frames.
func (c *Conn) deliverable() bool {
	s := c.State()
	return s == StateAuthenticated || s == StateActive
}

// Touch marks client activity, deferring the idle reaper.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.idleSince = now
	c.mu.Unlock()
}

// Config tunes heartbeats, idle eviction, and send buffering.
type Config struct {
	PingInterval    time.Duration
	MaxMissedPongs  int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	SendBufferSize  int
}

func (c *Config) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 64
	}
}

// Stats is the get_stats snapshot.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	Users             int            `json:"users"`
	Conversations     int            `json:"conversations"`
	ByState           map[State]int  `json:"by_state"`
	ByTransport       map[string]int `json:"by_transport"`
}

// Manager owns the three delivery indexes and the background loops.
type Manager struct {
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger

	mu             sync.RWMutex
	conns          map[string]*Conn
	byUser         map[string]map[string]*Conn
	byConversation map[string]map[string]*Conn
	onConnect      []func(*Conn)
	onDisconnect   []func(*Conn, models.CloseReason)

	now func() time.Time
}

type Options struct {
	Config  Config
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

func NewManager(opts Options) *Manager {
	cfg := opts.Config
	cfg.defaults()
	return &Manager{
		cfg:            cfg,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		conns:          make(map[string]*Conn),
		byUser:         make(map[string]map[string]*Conn),
		byConversation: make(map[string]map[string]*Conn),
		now:            time.Now,
	}
}

// OnConnect registers a callback invoked after each successful connect.
func (m *Manager) OnConnect(fn func(*Conn)) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.mu.Unlock()
}

// OnDisconnect registers a callback invoked after each disconnect.
func (m *Manager) OnDisconnect(fn func(*Conn, models.CloseReason)) {
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.mu.Unlock()
}

// ConnectParams identify a new connection.
type ConnectParams struct {
	UserID         string
	ConversationID string
	Transport      Transport
	TransportName  string
}

// Connect registers the connection, starts its write pump, and fires
// on-connect callbacks.
func (m *Manager) Connect(params ConnectParams) *Conn {
	now := m.now()
	conn := &Conn{
		ID:             uuid.NewString(),
		UserID:         params.UserID,
		ConversationID: params.ConversationID,
		TransportName:  params.TransportName,
		transport:      params.Transport,
		send:           make(chan models.Frame, m.cfg.SendBufferSize),
		done:           make(chan struct{}),
		state:          StateConnecting,
		idleSince:      now,
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	if m.byUser[conn.UserID] == nil {
		m.byUser[conn.UserID] = make(map[string]*Conn)
	}
	m.byUser[conn.UserID][conn.ID] = conn
	if conn.ConversationID != "" {
		if m.byConversation[conn.ConversationID] == nil {
			m.byConversation[conn.ConversationID] = make(map[string]*Conn)
		}
		m.byConversation[conn.ConversationID][conn.ID] = conn
	}
	callbacks := append([]func(*Conn){}, m.onConnect...)
	m.mu.Unlock()

	go m.writePump(conn)

	if m.metrics != nil {
		m.metrics.ConnectionOpened(conn.TransportName)
	}
	if m.logger != nil {
		m.logger.Info(context.Background(), "connection opened",
			"connection_id", conn.ID, "user_id", conn.UserID, "transport", conn.TransportName)
	}
	for _, fn := range callbacks {
		fn(conn)
	}
	return conn
}

// Disconnect closes the connection with the given code. The reason is
// folded onto the closed reason set for the close frame; unknown reasons
// become idle_timeout.
func (m *Manager) Disconnect(connID string, code int, reason string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
		delete(m.byUser[conn.UserID], connID)
		if len(m.byUser[conn.UserID]) == 0 {
			delete(m.byUser, conn.UserID)
		}
		if conn.ConversationID != "" {
			delete(m.byConversation[conn.ConversationID], connID)
			if len(m.byConversation[conn.ConversationID]) == 0 {
				delete(m.byConversation, conn.ConversationID)
			}
		}
	}
	callbacks := append([]func(*Conn, models.CloseReason){}, m.onDisconnect...)
	m.mu.Unlock()
	if !ok {
		return
	}

	mapped := models.MapCloseReason(reason)
	conn.SetState(StateClosing)
	conn.closeOnce.Do(func() {
		// Best effort: the pump may already be gone.
		_ = conn.transport.WriteFrame(models.NewFrame(models.FrameConnectionClose, conn.ConversationID,
			models.ConnectionClosePayload{Reason: mapped, Code: code}))
		_ = conn.transport.Close(code, reason)
		close(conn.done)
	})
	conn.SetState(StateClosed)

	if m.metrics != nil {
		m.metrics.ConnectionClosed(conn.TransportName)
	}
	if m.logger != nil {
		m.logger.Info(context.Background(), "connection closed",
			"connection_id", conn.ID, "code", code, "reason", reason)
	}
	for _, fn := range callbacks {
		fn(conn, mapped)
	}
}

// writePump is the single writer for one connection.
func (m *Manager) writePump(conn *Conn) {
	for {
		select {
		case <-conn.done:
			return
		case frame := <-conn.send:
			if err := conn.transport.WriteFrame(frame); err != nil {
				if m.logger != nil {
					m.logger.Warn(context.Background(), "write failed, dropping connection",
						"connection_id", conn.ID, "error", err)
				}
				m.Disconnect(conn.ID, 1011, "session_expired")
				return
			}
		}
	}
}

// enqueue hands a frame to the pump without blocking; a full buffer drops
// the frame rather than stalling every other connection.
func (m *Manager) enqueue(conn *Conn, frame models.Frame) bool {
	select {
	case conn.send <- frame:
		return true
	default:
		if m.logger != nil {
			m.logger.Warn(context.Background(), "send buffer full, dropping frame",
				"connection_id", conn.ID, "frame_type", frame.Type)
		}
		return false
	}
}

// SendToConnection queues one frame for one connection.
func (m *Manager) SendToConnection(connID string, frame models.Frame) error {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}
	if !conn.deliverable() {
		return fmt.Errorf("connection %s not deliverable in state %s", connID, conn.State())
	}
	if !m.enqueue(conn, frame) {
		return fmt.Errorf("connection %s send buffer full", connID)
	}
	return nil
}

// SendToUser queues the frame for every connection of one user and
// returns the delivery count.
func (m *Manager) SendToUser(userID string, frame models.Frame) int {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.byUser[userID]))
	for _, conn := range m.byUser[userID] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.deliverable() && m.enqueue(conn, frame) {
			sent++
		}
	}
	return sent
}

// BroadcastToConversation queues the frame for every connection attached
// to one conversation.
func (m *Manager) BroadcastToConversation(conversationID string, frame models.Frame) int {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.byConversation[conversationID]))
	for _, conn := range m.byConversation[conversationID] {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.deliverable() && m.enqueue(conn, frame) {
			sent++
		}
	}
	return sent
}

// BroadcastAll queues the frame for every connection.
func (m *Manager) BroadcastAll(frame models.Frame) int {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if conn.deliverable() && m.enqueue(conn, frame) {
			sent++
		}
	}
	return sent
}

// HandlePong clears the outstanding-ping flag for the connection.
func (m *Manager) HandlePong(connID string) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.awaitingPong = false
	conn.missedPongs = 0
	conn.idleSince = m.now()
	conn.mu.Unlock()
}

// Get returns a tracked connection.
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// GetStats snapshots the index sizes.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ActiveConnections: len(m.conns),
		Users:             len(m.byUser),
		Conversations:     len(m.byConversation),
		ByState:           make(map[State]int),
		ByTransport:       make(map[string]int),
	}
	for _, conn := range m.conns {
		stats.ByState[conn.State()]++
		stats.ByTransport[conn.TransportName]++
	}
	return stats
}

// Run drives the heartbeat and reaper loops until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()
	reap := time.NewTicker(m.cfg.CleanupInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			m.heartbeatSweep()
		case <-reap.C:
			m.reapIdle()
		}
	}
}

// Shutdown closes every connection with the server_shutdown reason.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id, 1001, string(models.CloseServerShutdown))
	}
}

// heartbeatSweep pings every authenticated or active connection; a
// connection whose prior ping went unanswered accrues a missed pong and
// is dropped with 1002 once it reaches the limit.
func (m *Manager) heartbeatSweep() {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, conn := range targets {
		if !conn.deliverable() {
			continue
		}

		conn.mu.Lock()
		if conn.awaitingPong {
			conn.missedPongs++
		}
		missed := conn.missedPongs
		conn.mu.Unlock()

		if missed >= m.cfg.MaxMissedPongs {
			m.Disconnect(conn.ID, 1002, "heartbeat_timeout")
			continue
		}

		frame := models.NewFrame(models.FramePing, conn.ConversationID,
			models.PingPayload{Timestamp: now.UnixMilli()})
		if m.enqueue(conn, frame) {
			conn.mu.Lock()
			conn.awaitingPong = true
			conn.lastPing = now
			conn.mu.Unlock()
		}
	}
}

// reapIdle drops connections idle beyond the timeout with a normal close.
func (m *Manager) reapIdle() {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		targets = append(targets, conn)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, conn := range targets {
		conn.mu.Lock()
		idle := now.Sub(conn.idleSince)
		conn.mu.Unlock()
		if idle > m.cfg.IdleTimeout {
			m.Disconnect(conn.ID, 1000, string(models.CloseIdleTimeout))
		}
	}
}
