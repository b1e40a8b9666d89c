package mcpruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMCP is a minimal JSON-RPC MCP endpoint. It issues a session id on
// initialize and requires it afterwards.
type fakeMCP struct {
	t         *testing.T
	sse       bool
	initCount atomic.Int64
	callCount atomic.Int64
	toolErr   bool
	rawText   string
}

func (f *fakeMCP) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("decode request: %v", err)
		}

		if req.Method != "initialize" && r.Header.Get("mcp-session-id") != "sess-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			f.initCount.Add(1)
			w.Header().Set("mcp-session-id", "sess-1")
			result = map[string]any{"protocolVersion": "2024-11-05"}
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
			return
		case "tools/list":
			result = map[string]any{
				"tools": []map[string]any{
					{
						"name":        "lookup_order",
						"description": "Look up an order by id",
						"inputSchema": map[string]any{
							"type":       "object",
							"properties": map[string]any{"order_id": map[string]any{"type": "string"}},
						},
					},
				},
			}
		case "tools/call":
			f.callCount.Add(1)
			text := f.rawText
			if text == "" {
				text = fmt.Sprintf("order %v shipped", req.Params.Arguments["order_id"])
			}
			result = map[string]any{
				"isError": f.toolErr,
				"content": []map[string]any{{"type": "text", "text": text}},
			}
		default:
			f.t.Errorf("unexpected method %q", req.Method)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		body, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
		if f.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func newTestManager(t *testing.T, fake *fakeMCP, transport Transport) (*Manager, ServerSpec) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	m := NewManager(Options{SSETimeout: 5 * time.Second})
	t.Cleanup(func() { m.Close() })

	return m, ServerSpec{
		Name:      "orders",
		Transport: transport,
		URL:       srv.URL,
	}
}

func TestHTTPListAndCall(t *testing.T) {
	for _, transport := range []Transport{TransportStreamableHTTP, TransportSSE} {
		t.Run(string(transport), func(t *testing.T) {
			fake := &fakeMCP{t: t, sse: transport == TransportSSE}
			m, spec := newTestManager(t, fake, transport)
			ctx := context.Background()

			tools, err := m.ListTools(ctx, spec)
			if err != nil {
				t.Fatalf("ListTools: %v", err)
			}
			if len(tools) != 1 || tools[0].Name != "lookup_order" {
				t.Fatalf("unexpected tools: %+v", tools)
			}
			if !strings.Contains(string(tools[0].InputSchema), "order_id") {
				t.Errorf("input schema missing property: %s", tools[0].InputSchema)
			}

			result, err := m.CallTool(ctx, "orders", "lookup_order", map[string]any{"order_id": "42"})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			var out map[string]string
			if err := json.Unmarshal(result, &out); err != nil {
				t.Fatalf("result not JSON: %v", err)
			}
			if out["result"] != "order 42 shipped" {
				t.Errorf("result = %q", out["result"])
			}

			if got := fake.initCount.Load(); got != 1 {
				t.Errorf("initialize called %d times, want 1", got)
			}
		})
	}
}

func TestHTTPToolError(t *testing.T) {
	fake := &fakeMCP{t: t, toolErr: true, rawText: "order not found"}
	m, spec := newTestManager(t, fake, TransportStreamableHTTP)
	ctx := context.Background()

	if _, err := m.ListTools(ctx, spec); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	_, err := m.CallTool(ctx, "orders", "lookup_order", map[string]any{"order_id": "nope"})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("want *ToolError, got %v", err)
	}
	if toolErr.Text != "order not found" {
		t.Errorf("text = %q", toolErr.Text)
	}
	// Tool-level failures keep the session alive.
	if _, err := m.CallTool(ctx, "orders", "lookup_order", map[string]any{}); err == nil {
		t.Fatal("expected tool error on second call")
	}
	if got := fake.initCount.Load(); got != 1 {
		t.Errorf("session reconnected after tool error: %d initializes", got)
	}
}

func TestJSONPassthrough(t *testing.T) {
	fake := &fakeMCP{t: t, rawText: `{"status": "shipped", "eta_days": 2}`}
	m, spec := newTestManager(t, fake, TransportStreamableHTTP)
	ctx := context.Background()

	if _, err := m.ListTools(ctx, spec); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	result, err := m.CallTool(ctx, "orders", "lookup_order", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var out struct {
		Status  string `json:"status"`
		ETADays int    `json:"eta_days"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "shipped" || out.ETADays != 2 {
		t.Errorf("got %+v", out)
	}
}

func TestUnknownServer(t *testing.T) {
	m := NewManager(Options{})
	defer m.Close()
	if _, err := m.CallTool(context.Background(), "nowhere", "x", nil); err == nil {
		t.Fatal("expected error for unregistered server")
	}
}

func TestReadSSEData(t *testing.T) {
	stream := "event: message\ndata: {\"a\":\ndata: 1}\n\nignored"
	data, err := readSSEData(strings.NewReader(stream), time.Second)
	if err != nil {
		t.Fatalf("readSSEData: %v", err)
	}
	if !json.Valid(data) {
		t.Errorf("joined data not valid JSON: %s", data)
	}

	if _, err := readSSEData(strings.NewReader(": comment only\n\n"), time.Second); err == nil {
		t.Error("expected error for stream without data")
	}
}
