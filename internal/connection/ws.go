package connection

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/models"
)

// WSTransport adapts a gorilla websocket connection to the Transport
// interface. gorilla allows only one concurrent writer, so a mutex
// serializes the pump's frames against the manager's close frame.
type WSTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *WSTransport) WriteFrame(frame models.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(frame)
}

// Close sends a close control frame with the code and reason, then tears
// down the socket.
func (t *WSTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(t.writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// ReadFrame blocks for the next client frame. maxBytes bounds a single
// message; zero keeps gorilla's default.
func (t *WSTransport) ReadFrame(maxBytes int64) (models.Frame, error) {
	if maxBytes > 0 {
		t.conn.SetReadLimit(maxBytes)
	}
	var frame models.Frame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return models.Frame{}, err
	}
	return frame, nil
}
