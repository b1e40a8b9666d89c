package mcpruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// httpSession talks JSON-RPC 2.0 over POST to a streamable-http or SSE MCP
// endpoint. Servers may answer a POST with either a plain JSON body or a
// text/event-stream carrying the response as an SSE data frame; both are
// handled. The mcp-session-id header issued during initialize is replayed
// on every subsequent request.
type httpSession struct {
	spec       ServerSpec
	client     *http.Client
	sseTimeout time.Duration

	nextID atomic.Int64

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPSession(spec ServerSpec, sseTimeout time.Duration) *httpSession {
	return &httpSession{
		spec:       spec,
		client:     &http.Client{},
		sseTimeout: sseTimeout,
	}
}

func (s *httpSession) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	result, err := s.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]ToolInfo, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

func (s *httpSession) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	result, err := s.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}

	var parts []string
	for _, c := range payload.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if payload.IsError {
		return nil, &ToolError{Text: text}
	}
	return textResult(text)
}

func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.sessionID = ""
	return nil
}

func (s *httpSession) ensureInitialized(ctx context.Context) error {
	s.mu.Lock()
	done := s.initialized
	s.mu.Unlock()
	if done {
		return nil
	}

	_, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley-tools",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize mcp server %q: %w", s.spec.Name, err)
	}

	// The initialized notification has no id and expects no response.
	if err := s.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification %q: %w", s.spec.Name, err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *httpSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	resp, err := s.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("mcp %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		s.mu.Lock()
		s.sessionID = sid
		s.mu.Unlock()
	}

	var raw []byte
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err = readSSEData(resp.Body, s.sseTimeout)
	} else {
		raw, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp %s: read response: %w", method, err)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return nil, fmt.Errorf("mcp %s: decode response: %w", method, err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("mcp %s: rpc error %d: %s", method, rpc.Error.Code, rpc.Error.Message)
	}
	return rpc.Result, nil
}

func (s *httpSession) notify(ctx context.Context, method string) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	resp, err := s.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
	return nil
}

func (s *httpSession) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.spec.Headers {
		req.Header.Set(k, v)
	}
	s.mu.Lock()
	if s.sessionID != "" {
		req.Header.Set("mcp-session-id", s.sessionID)
	}
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// readSSEData scans an event stream for the first data frame and returns
// its payload. Multi-line data fields are joined; the frame ends at the
// first blank line.
func readSSEData(r io.Reader, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if len(data) > 0 {
					ch <- result{data: []byte(strings.Join(data, "\n"))}
					return
				}
				continue
			}
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimSpace(after))
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		if len(data) > 0 {
			ch <- result{data: []byte(strings.Join(data, "\n"))}
			return
		}
		ch <- result{err: fmt.Errorf("event stream ended without data")}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for event stream data")
	}
}
