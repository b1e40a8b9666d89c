package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/connection"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/pkg/models"
)

const testSecret = "host-test-secret"

func mintToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// echoProvider answers every turn with a fixed text completion.
type echoProvider struct {
	agent.ModelSelector
	reply string
}

func newEchoProvider(reply string) *echoProvider {
	return &echoProvider{ModelSelector: agent.NewModelSelector("echo-1"), reply: reply}
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Models() []agent.ModelInfo {
	return []agent.ModelInfo{{ID: "echo-1", SupportsTools: true}}
}

func (p *echoProvider) HealthCheck(context.Context) error { return nil }

func (p *echoProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.Response, error) {
	ch, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(ctx, ch)
}

func (p *echoProvider) ChatStream(context.Context, *agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	out := make(chan agent.StreamChunk, 2)
	out <- agent.StreamChunk{ContentDelta: p.reply}
	out <- agent.StreamChunk{Done: true, FinishReason: "stop"}
	close(out)
	return out, nil
}

type hostStore struct {
	mu    sync.Mutex
	convs map[string]*conversation.Conversation
}

func (m *hostStore) Load(_ context.Context, id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return c, nil
}

func (m *hostStore) Save(_ context.Context, c *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = c
	return nil
}

type noTools struct{}

func (noTools) ListTools(context.Context, string) ([]models.ToolManifest, error) {
	return nil, nil
}

func (noTools) CallTool(context.Context, string, models.CallRequest) (models.CallResult, error) {
	return models.CallResult{}, fmt.Errorf("no tools in this fixture")
}

func (noTools) Subscribe(ctx context.Context, _ string, _ func([]models.ToolManifest)) {
	<-ctx.Done()
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	provider := newEchoProvider("echoed back")
	reg := agent.NewRegistry("echo", nil)
	reg.Register(provider)

	orch, err := orchestrator.New(orchestrator.Options{
		Providers:     reg,
		Tools:         noTools{},
		Conversations: &hostStore{convs: make(map[string]*conversation.Conversation)},
		FlowCfg:       config.FlowsConfig{ChunkSize: 64, ChunkInterval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	manager := connection.NewManager(connection.Options{})
	srv := NewServer(Options{
		Config:       config.HostServerConfig{AllowedOrigins: []string{"*"}},
		Connection:   config.ConnectionConfig{MaxMessageBytes: 1 << 20},
		Validator:    auth.NewHMACValidator(testSecret, "", "", time.Second),
		Manager:      manager,
		Orchestrator: orch,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readFrame(t *testing.T, ws *websocket.Conn) models.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame models.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func readUntil(t *testing.T, ws *websocket.Conn, frameType string) models.Frame {
	t.Helper()
	for range 32 {
		frame := readFrame(t, ws)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("frame %s never arrived", frameType)
	return models.Frame{}
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)
	token := mintToken(t, "user-42")

	ws, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws?token="+token+"&conversation_id=conv-ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	established := readUntil(t, ws, models.FrameConnectionEstablished)
	var ep models.ConnectionEstablishedPayload
	if err := json.Unmarshal(established.Payload, &ep); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ep.UserID != "user-42" || ep.ConversationID != "conv-ws" {
		t.Fatalf("established = %+v", ep)
	}
	if ep.CurrentModel != "echo-1" {
		t.Fatalf("model = %q", ep.CurrentModel)
	}

	// The handler promotes the connection once the session is open; the
	// heartbeat loop only covers promoted connections.
	deadline := time.After(2 * time.Second)
	for {
		conn, ok := srv.manager.Get(ep.ConnectionID)
		if ok && conn.State() == connection.StateActive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connection never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := ws.WriteJSON(models.Frame{
		Type:    models.FrameClientMessage,
		Payload: json.RawMessage(`{"content":"hello"}`),
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	complete := readUntil(t, ws, models.FrameMessageComplete)
	var mp models.MessageCompletePayload
	if err := json.Unmarshal(complete.Payload, &mp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if mp.Content != "echoed back" {
		t.Fatalf("content = %q", mp.Content)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func readSSEUntil(t *testing.T, r *bufio.Reader, name string) sseEvent {
	t.Helper()
	for range 32 {
		ev := readSSE(t, r)
		if ev.name == name {
			return ev
		}
	}
	t.Fatalf("sse event %s never arrived", name)
	return sseEvent{}
}

func TestSSEChatRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	token := mintToken(t, "user-9")

	resp, err := http.Get(ts.URL + "/sse?token=" + token + "&conversation_id=conv-sse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if ev := readSSE(t, reader); ev.name != "stream_started" {
		t.Fatalf("first event = %q, want stream_started", ev.name)
	}

	established := readSSEUntil(t, reader, models.FrameConnectionEstablished)
	var frame models.Frame
	if err := json.Unmarshal([]byte(established.data), &frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	var ep models.ConnectionEstablishedPayload
	if err := json.Unmarshal(frame.Payload, &ep); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ep.ConnectionID == "" {
		t.Fatal("no connection id")
	}

	body := strings.NewReader(`{"type":"client.message","payload":{"content":"over sse"}}`)
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/sse/frames?connection_id="+ep.ConnectionID, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	postResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d", postResp.StatusCode)
	}

	readSSEUntil(t, reader, models.FrameMessageComplete)
}

func TestSSEFrameWrongUserForbidden(t *testing.T) {
	_, ts := newTestServer(t)
	owner := mintToken(t, "owner")
	intruder := mintToken(t, "intruder")

	resp, err := http.Get(ts.URL + "/sse?token=" + owner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	established := readSSEUntil(t, reader, models.FrameConnectionEstablished)
	var frame models.Frame
	if err := json.Unmarshal([]byte(established.data), &frame); err != nil {
		t.Fatalf("frame: %v", err)
	}
	var ep models.ConnectionEstablishedPayload
	_ = json.Unmarshal(frame.Payload, &ep)

	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/sse/frames?connection_id="+ep.ConnectionID,
		strings.NewReader(`{"type":"client.message","payload":{"content":"x"}}`))
	req.Header.Set("Authorization", "Bearer "+intruder)
	postResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", postResp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := &Server{cfg: config.HostServerConfig{}}

	mkReq := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	// Same-origin only by default.
	if !srv.checkOrigin(mkReq("http://app.example.com", "app.example.com")) {
		t.Fatal("same origin rejected")
	}
	if srv.checkOrigin(mkReq("http://evil.example.com", "app.example.com")) {
		t.Fatal("cross origin allowed without allow list")
	}
	if !srv.checkOrigin(mkReq("", "app.example.com")) {
		t.Fatal("non-browser client rejected")
	}

	srv.cfg.AllowedOrigins = []string{"https://trusted.example.com"}
	if !srv.checkOrigin(mkReq("https://trusted.example.com", "api.example.com")) {
		t.Fatal("allow-listed origin rejected")
	}
	if srv.checkOrigin(mkReq("https://other.example.com", "api.example.com")) {
		t.Fatal("unlisted origin allowed")
	}

	srv.cfg.AllowedOrigins = []string{"*"}
	if !srv.checkOrigin(mkReq("https://anything.example.com", "api.example.com")) {
		t.Fatal("wildcard origin rejected")
	}
}
