// Package providers contains the LLM backend adapters. Each adapter speaks
// one wire dialect and presents the uniform agent.LLMProvider surface.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/toolconv"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/pkg/models"
)

// OpenAI adapts any OpenAI-compatible chat-completions backend. The gateway
// adapter reuses it with a different transport and name.
type OpenAI struct {
	agent.ModelSelector
	client *openai.Client
	name   string
}

var _ agent.LLMProvider = (*OpenAI)(nil)

// NewOpenAI builds an adapter from provider config. BaseURL overrides the
// public API endpoint for self-hosted compatible servers.
func NewOpenAI(cfg config.LLMProviderConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return newOpenAICompatible("openai", openai.NewClientWithConfig(clientCfg), cfg.DefaultModel)
}

func newOpenAICompatible(name string, client *openai.Client, defaultModel string) *OpenAI {
	return &OpenAI{
		ModelSelector: agent.NewModelSelector(defaultModel),
		client:        client,
		name:          name,
	}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Models() []agent.ModelInfo {
	model := p.CurrentModel()
	if model == "" {
		return nil
	}
	return []agent.ModelInfo{{ID: model, Name: model, SupportsTools: true}}
}

// HealthCheck verifies connectivity by listing models.
func (p *OpenAI) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.wrapError(err, p.CurrentModel())
	}
	return nil
}

// Chat performs a one-shot completion by draining the stream.
func (p *OpenAI) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.Response, error) {
	stream, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(ctx, stream)
}

// ChatStream opens a streaming completion. Tool-call fragments arrive as
// deltas keyed by ordinal index and are assembled before emission.
func (p *OpenAI) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	model := p.ModelSelector.Resolve(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		chatReq.Stop = req.Stop
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan agent.StreamChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- agent.StreamChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(chunk agent.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case chunks <- chunk:
			return true
		}
	}

	// Tool calls stream as fragments keyed by ordinal index; each index
	// assembles into one call.
	pending := make(map[int]*models.ToolCall)
	var usage *agent.TokenUsage
	finishReason := ""

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := pending[idx]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			tc.Arguments = agent.SanitizeArguments(tc.Arguments)
			if !send(agent.StreamChunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				send(agent.StreamChunk{Done: true, FinishReason: finishReason, Usage: usage})
				return
			}
			send(agent.StreamChunk{Err: p.wrapError(err, model), Done: true})
			return
		}

		if response.Usage != nil {
			usage = &agent.TokenUsage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			if !send(agent.StreamChunk{ContentDelta: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[idx].Arguments = append(pending[idx].Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func (p *OpenAI) wrapError(err error, model string) error {
	perr := agent.NewProviderError(p.name, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok {
			perr = perr.WithCode(code)
		}
	}
	return perr
}

// convertOpenAIMessages maps conversation messages onto the chat-completions
// wire shape. The system prompt becomes the leading message; each tool result
// becomes its own role=tool message keyed by tool_call_id.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(agent.SanitizeArguments(call.Arguments)),
					},
				})
			}
			result = append(result, assistant)
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.ToolCallID,
					Content:    toolResultContent(tr),
				})
			}
		}
	}
	return result
}

func toolResultContent(tr models.ToolResult) string {
	if tr.Success {
		if len(tr.Result) > 0 {
			return string(tr.Result)
		}
		return "{}"
	}
	return fmt.Sprintf(`{"error":%q}`, tr.Error)
}
