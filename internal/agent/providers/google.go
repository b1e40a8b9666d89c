package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/toolconv"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/pkg/models"
)

// Google adapts the Gemini API via the Gen AI SDK. Function calls arrive
// whole (no argument fragments) and carry no IDs, so IDs are synthesized.
type Google struct {
	agent.ModelSelector
	client *genai.Client
}

var _ agent.LLMProvider = (*Google)(nil)

func NewGoogle(ctx context.Context, cfg config.LLMProviderConfig) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Google{
		ModelSelector: agent.NewModelSelector(cfg.DefaultModel),
		client:        client,
	}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) Models() []agent.ModelInfo {
	model := p.CurrentModel()
	if model == "" {
		return nil
	}
	return []agent.ModelInfo{{ID: model, Name: model, SupportsTools: true}}
}

// HealthCheck issues a one-token generation against the current model.
func (p *Google) HealthCheck(ctx context.Context) error {
	model := p.CurrentModel()
	_, err := p.client.Models.GenerateContent(ctx, model, genai.Text("ping"), &genai.GenerateContentConfig{
		MaxOutputTokens: 1,
	})
	if err != nil {
		return agent.NewProviderError("google", model, err)
	}
	return nil
}

func (p *Google) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.Response, error) {
	stream, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(ctx, stream)
}

func (p *Google) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	model := p.ModelSelector.Resolve(req.Model)

	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, agent.NewProviderError("google", model, err)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	stream := p.client.Models.GenerateContentStream(ctx, model, contents, cfg)
	chunks := make(chan agent.StreamChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *Google) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- agent.StreamChunk, model string) {
	defer close(chunks)

	send := func(chunk agent.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case chunks <- chunk:
			return true
		}
	}

	callSeq := 0
	sawToolCalls := false
	var usage *agent.TokenUsage
	finishReason := ""

	for resp, err := range stream {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			send(agent.StreamChunk{Err: agent.NewProviderError("google", model, err), Done: true})
			return
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage = &agent.TokenUsage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason != "" {
				finishReason = string(candidate.FinishReason)
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !send(agent.StreamChunk{ContentDelta: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte(`{}`)
					}
					callSeq++
					sawToolCalls = true
					call := &models.ToolCall{
						ID:        fmt.Sprintf("%s_%d", part.FunctionCall.Name, callSeq),
						Name:      part.FunctionCall.Name,
						Arguments: agent.SanitizeArguments(args),
					}
					if !send(agent.StreamChunk{ToolCall: call}) {
						return
					}
				}
			}
		}
	}

	if sawToolCalls {
		finishReason = "tool_calls"
	}
	send(agent.StreamChunk{Done: true, FinishReason: finishReason, Usage: usage})
}

// convertGeminiMessages maps conversation messages onto Gemini contents.
// Assistant turns use role "model"; tool results become FunctionResponse
// parts on a user turn.
func convertGeminiMessages(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			// System instructions travel in the request config.
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(agent.SanitizeArguments(call.Arguments), &args); err != nil {
				return nil, err
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: call.Name,
					Args: args,
				},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{}
			if tr.Success {
				if len(tr.Result) > 0 {
					var decoded any
					if err := json.Unmarshal(tr.Result, &decoded); err == nil {
						if m, ok := decoded.(map[string]any); ok {
							response = m
						} else {
							response = map[string]any{"result": decoded}
						}
					}
				}
			} else {
				response = map[string]any{"error": tr.Error}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCall(messages, tr.ToolCallID),
					Response: response,
				},
			})
		}

		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result, nil
}

// toolNameForCall finds the function name behind a call ID. Gemini matches
// responses to calls by name, not ID.
func toolNameForCall(messages []models.Message, callID string) string {
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			if call.ID == callID {
				return call.Name
			}
		}
	}
	return callID
}
