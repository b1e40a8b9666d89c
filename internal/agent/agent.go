// Package agent implements the ReAct loop that drives a conversation turn:
// stream a model response, execute any tool calls it requests, feed the
// results back, and repeat until the model answers in plain text or a hard
// bound is hit. Providers plug in behind the LLMProvider interface.
package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/parleyhq/parley/pkg/models"
)

// ToolSpec describes one callable tool the way providers need it: a name, a
// human description, and a JSON Schema for the arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// TokenUsage carries prompt/completion token counts reported by a provider.
// Not every backend reports usage; a nil *TokenUsage means unknown.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatRequest is the provider-independent request shape. Messages carry the
// full turn context in order; tool-result messages use role "tool".
type ChatRequest struct {
	// Model overrides the provider's current model for this request only.
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
	Stop      []string
}

// StreamChunk is one element of a chat_stream sequence. Exactly one of
// ContentDelta, ToolCall, Err, or Done is meaningful per chunk. Providers
// assemble partial tool-call fragments internally and only emit fully
// formed ToolCalls.
type StreamChunk struct {
	ContentDelta string
	ToolCall     *models.ToolCall
	FinishReason string
	Usage        *TokenUsage
	Done         bool
	Err          error
}

// Response is the accumulated form of a completed stream.
type Response struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
	Usage        *TokenUsage
}

// ModelInfo describes a model a provider can serve.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SupportsTools bool   `json:"supports_tools"`
}

// LLMProvider is the uniform adapter over heterogeneous LLM backends.
//
// ChatStream returns a finite, non-restartable sequence: the channel is
// closed after the terminal chunk (Done or Err). Implementations must respect
// ctx cancellation and stop producing promptly.
type LLMProvider interface {
	Name() string
	Models() []ModelInfo
	CurrentModel() string
	SetModelOverride(model string)
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// Collect drains a stream into a Response. It is how providers implement the
// non-streaming Chat operation on top of ChatStream.
func Collect(ctx context.Context, ch <-chan StreamChunk) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			resp.Content += chunk.ContentDelta
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.FinishReason != "" {
				resp.FinishReason = chunk.FinishReason
			}
			if chunk.Usage != nil {
				resp.Usage = chunk.Usage
			}
		}
	}
}

// SanitizeArguments returns the raw arguments if they are valid JSON, and an
// empty object otherwise. Models occasionally emit truncated or malformed
// argument payloads; callers get "{}" instead of a decode failure.
func SanitizeArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ModelSelector implements the CurrentModel/SetModelOverride half of
// LLMProvider. Providers embed it.
type ModelSelector struct {
	mu           sync.RWMutex
	defaultModel string
	override     string
}

// NewModelSelector returns a selector whose CurrentModel is defaultModel
// until an override is set.
func NewModelSelector(defaultModel string) ModelSelector {
	return ModelSelector{defaultModel: defaultModel}
}

func (m *ModelSelector) CurrentModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.override != "" {
		return m.override
	}
	return m.defaultModel
}

// SetModelOverride replaces the current model; an empty string clears the
// override and restores the configured default.
func (m *ModelSelector) SetModelOverride(model string) {
	m.mu.Lock()
	m.override = model
	m.mu.Unlock()
}

// Resolve picks the model for a request: per-request override first, then
// the selector's current model.
func (m *ModelSelector) Resolve(requestModel string) string {
	if requestModel != "" {
		return requestModel
	}
	return m.CurrentModel()
}
