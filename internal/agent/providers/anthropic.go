package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/toolconv"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API. Tool-call arguments stream as
// partial JSON deltas inside content blocks and are assembled per block.
type Anthropic struct {
	agent.ModelSelector
	client anthropic.Client
}

var _ agent.LLMProvider = (*Anthropic)(nil)

func NewAnthropic(cfg config.LLMProviderConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		ModelSelector: agent.NewModelSelector(cfg.DefaultModel),
		client:        anthropic.NewClient(opts...),
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Models() []agent.ModelInfo {
	model := p.CurrentModel()
	if model == "" {
		return nil
	}
	return []agent.ModelInfo{{ID: model, Name: model, SupportsTools: true}}
}

// HealthCheck issues a one-token request; the Messages API has no cheaper
// authenticated probe.
func (p *Anthropic) HealthCheck(ctx context.Context) error {
	model := p.CurrentModel()
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return p.wrapError(err, model)
	}
	return nil
}

func (p *Anthropic) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.Response, error) {
	stream, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(ctx, stream)
}

func (p *Anthropic) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	model := p.ModelSelector.Resolve(req.Model)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}

	system := req.System
	messages, inlineSystem, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, agent.NewProviderError("anthropic", model, err)
	}
	if system == "" {
		system = inlineSystem
	}
	params.Messages = messages
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, agent.NewProviderError("anthropic", model, err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan agent.StreamChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *Anthropic) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- agent.StreamChunk, model string) {
	defer close(chunks)

	send := func(chunk agent.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case chunks <- chunk:
			return true
		}
	}

	var currentCall *models.ToolCall
	var currentInput strings.Builder
	var promptTokens, completionTokens int
	finishReason := ""
	sawToolCalls := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				promptTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(agent.StreamChunk{ContentDelta: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Arguments = agent.SanitizeArguments(json.RawMessage(currentInput.String()))
				sawToolCalls = true
				if !send(agent.StreamChunk{ToolCall: currentCall}) {
					return
				}
				currentCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				completionTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				finishReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			if finishReason == "" && sawToolCalls {
				finishReason = "tool_use"
			}
			var usage *agent.TokenUsage
			if promptTokens > 0 || completionTokens > 0 {
				usage = &agent.TokenUsage{PromptTokens: promptTokens, CompletionTokens: completionTokens}
			}
			send(agent.StreamChunk{Done: true, FinishReason: finishReason, Usage: usage})
			return

		case "error":
			send(agent.StreamChunk{Err: p.wrapError(errors.New("stream error event"), model), Done: true})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(agent.StreamChunk{Err: p.wrapError(err, model), Done: true})
		return
	}
	send(agent.StreamChunk{Err: p.wrapError(errors.New("stream ended before message_stop"), model).
		WithKind(agent.KindUnavailable), Done: true})
}

func (p *Anthropic) wrapError(err error, model string) *agent.ProviderError {
	perr := agent.NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.StatusCode)
	}
	return perr
}

// convertAnthropicMessages maps conversation messages onto MessageParams.
// System messages are excluded from the array (the API takes them as a
// top-level field); the first one found is returned for that purpose. Tool
// results ride in user-role messages.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	system := ""

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if system == "" {
				system = msg.Content
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				tr.ToolCallID,
				toolResultContent(tr),
				!tr.Success,
			))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(agent.SanitizeArguments(call.Arguments), &input); err != nil {
				return nil, "", err
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, system, nil
}
