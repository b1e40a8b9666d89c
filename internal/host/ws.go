package host

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/connection"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

// handleWS upgrades the connection, opens a session, and pumps client
// frames into it until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, token, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logWarn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	templateID := r.URL.Query().Get("template")

	transport := connection.NewWSTransport(ws, writeTimeout(s.connCfg.WriteTimeout))
	conn := s.manager.Connect(connection.ConnectParams{
		UserID:         claims.Subject(),
		ConversationID: conversationID,
		Transport:      transport,
		TransportName:  "websocket",
	})
	// The token was validated before the upgrade.
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
		s.manager.Disconnect(conn.ID, websocket.CloseInternalServerErr, "server_error")
		return
	}
	s.trackSession(conn.ID, sess)
	defer s.dropSession(conn.ID)
	conn.SetState(connection.StateActive)

	maxBytes := s.connCfg.MaxMessageBytes
	for {
		frame, readErr := transport.ReadFrame(maxBytes)
		if readErr != nil {
			s.manager.Disconnect(conn.ID, websocket.CloseNormalClosure, string(models.CloseIdleTimeout))
			return
		}
		conn.Touch(time.Now())
		if frame.Type == models.FramePong {
			s.manager.HandlePong(conn.ID)
			continue
		}
		sess.HandleFrame(r.Context(), frame)
	}
}

// checkOrigin enforces the configured allow list. Empty list means
// same-origin only; "*" allows everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return u.Host == r.Host
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func writeTimeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 10 * time.Second
}
