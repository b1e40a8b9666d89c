package host

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/connection"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

// sseTransport delivers frames as server-sent events. The write mutex
// covers the manager's pump goroutine racing Disconnect.
type sseTransport struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher) *sseTransport {
	return &sseTransport{w: w, flusher: flusher, done: make(chan struct{})}
}

func (t *sseTransport) writeEvent(event string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("sse transport closed")
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) WriteFrame(frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.writeEvent(frame.Type, data)
}

// Close ends the stream with a terminal stream_complete event.
func (t *sseTransport) Close(code int, reason string) error {
	payload, _ := json.Marshal(map[string]any{"code": code, "reason": reason})
	_ = t.writeEvent("stream_complete", payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// cancelled marks an aborted stream; the peer is gone so the write is
// best effort.
func (t *sseTransport) cancelled() {
	_ = t.writeEvent("cancelled", []byte(`{}`))
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

// handleSSE is the streaming half of the SSE transport. Client frames
// arrive via POST /sse/frames.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	claims, token, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	templateID := r.URL.Query().Get("template")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	transport := newSSETransport(w, flusher)
	if err := transport.writeEvent("stream_started", []byte(`{}`)); err != nil {
		return
	}

	conn := s.manager.Connect(connection.ConnectParams{
		UserID:         claims.Subject(),
		ConversationID: conversationID,
		Transport:      transport,
		TransportName:  "sse",
	})
	// The token was validated before the stream opened.
	conn.SetState(connection.StateAuthenticated)

	sess, err := s.orch.Open(r.Context(), orchestrator.OpenParams{
		ConnectionID:   conn.ID,
		UserID:         claims.Subject(),
		ConversationID: conversationID,
		Bearer:         token,
		TemplateID:     templateID,
		Send:           connSender{manager: s.manager, connID: conn.ID},
	})
	if err != nil {
		s.logError(r.Context(), "session open failed",
			"conversation_id", conversationID, "error", err)
		s.manager.Disconnect(conn.ID, 1011, "server_error")
		return
	}
	s.trackSession(conn.ID, sess)
	defer s.dropSession(conn.ID)
	conn.SetState(connection.StateActive)

	select {
	case <-r.Context().Done():
		transport.cancelled()
		s.manager.Disconnect(conn.ID, 1001, string(models.CloseIdleTimeout))
	case <-transport.done:
	}
}

// handleSSEFrame injects one client frame into an SSE-backed session.
func (s *Server) handleSSEFrame(w http.ResponseWriter, r *http.Request) {
	claims, _, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	connID := r.URL.Query().Get("connection_id")
	sess, ok := s.session(connID)
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	if sess.UserID != claims.Subject() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var frame models.Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	if conn, found := s.manager.Get(connID); found {
		conn.Touch(time.Now())
	}
	if frame.Type == models.FramePong {
		s.manager.HandlePong(connID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	sess.HandleFrame(r.Context(), frame)
	w.WriteHeader(http.StatusAccepted)
}
