// Package toolclient is the agent host's client for the tools provider:
// manifest listing, tool calls, and the catalog-change SSE subscription.
package toolclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const maxResponseBytes = 8 << 20

type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// StaticToken replaces the per-session bearer when set (dev mode).
	StaticToken string

	// Reconnect shapes the SSE retry curve. Zero means backoff.Reconnect().
	Reconnect backoff.Policy

	Logger *observability.Logger
}

// Client talks to one tools provider. All methods take the session bearer
// so every request runs under the end user's identity.
type Client struct {
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	staticToken string
	reconnect   backoff.Policy
	logger      *observability.Logger
}

func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reconnect := opts.Reconnect
	if reconnect.Initial <= 0 {
		reconnect = backoff.Reconnect()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		client:      client,
		timeout:     timeout,
		staticToken: opts.StaticToken,
		reconnect:   reconnect,
		logger:      opts.Logger,
	}
}

func (c *Client) token(bearer string) string {
	if c.staticToken != "" {
		return c.staticToken
	}
	return bearer
}

// ListTools fetches the manifest granted to the bearer.
func (c *Client) ListTools(ctx context.Context, bearer string) ([]models.ToolManifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent/tools", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token(bearer))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("list tools: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: provider returned %d", resp.StatusCode)
	}

	var payload struct {
		Tools []models.ToolManifest `json:"tools"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("list tools: decode: %w", err)
	}
	return payload.Tools, nil
}

// CallTool executes one tool call. Refusals the provider expresses as a
// CallResult (forbidden, rate_limited, not_found) come back as results,
// not errors; errors mean the provider could not be reached or spoke
// something other than a CallResult.
func (c *Client) CallTool(ctx context.Context, bearer string, call models.CallRequest) (models.CallResult, error) {
	raw, err := json.Marshal(call)
	if err != nil {
		return models.CallResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/tools/call", bytes.NewReader(raw))
	if err != nil {
		return models.CallResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token(bearer))

	resp, err := c.client.Do(req)
	if err != nil {
		return models.CallResult{}, fmt.Errorf("call tool: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.CallResult{}, fmt.Errorf("call tool: read: %w", err)
	}

	var result models.CallResult
	if err := json.Unmarshal(body, &result); err != nil || result.Status == "" {
		return models.CallResult{}, fmt.Errorf("call tool: provider returned %d", resp.StatusCode)
	}
	return result, nil
}

// Cancel requests cooperative cancellation of an in-flight call.
func (c *Client) Cancel(ctx context.Context, bearer, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cancel/"+requestID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token(bearer))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel: provider returned %d", resp.StatusCode)
	}
	return nil
}

// Subscribe follows /agent/sse until ctx is done, invoking onToolList for
// every tool_list event. Dropped connections are re-established with
// jittered backoff; a stream that delivered events resets the curve.
func (c *Client) Subscribe(ctx context.Context, bearer string, onToolList func([]models.ToolManifest)) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		delivered, err := c.stream(ctx, bearer, onToolList)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 1
		}
		if err != nil && c.logger != nil {
			c.logger.Warn(ctx, "tools sse stream dropped", "error", err, "attempt", attempt)
		}
		if err := c.reconnect.Sleep(ctx, attempt); err != nil {
			return
		}
	}
}

// stream consumes one SSE connection, reporting whether any tool_list was
// delivered before it ended.
func (c *Client) stream(ctx context.Context, bearer string, onToolList func([]models.ToolManifest)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent/sse", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token(bearer))
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return false, fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	delivered := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if event == "tool_list" {
				var payload struct {
					Tools []models.ToolManifest `json:"tools"`
				}
				if err := json.Unmarshal([]byte(data.String()), &payload); err == nil {
					delivered = true
					onToolList(payload.Tools)
				}
			}
			event = ""
			data.Reset()
		}
	}
	return delivered, scanner.Err()
}
