package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/toolconv"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaTimeout = 2 * time.Minute

	// ollamaScanBuffer bounds a single NDJSON line. Tool-call arguments can
	// be large, so this is generous.
	ollamaScanBuffer = 1024 * 1024
)

// Ollama adapts a local Ollama server. Responses stream as newline-delimited
// JSON over POST /api/chat.
type Ollama struct {
	agent.ModelSelector
	baseURL string
	client  *http.Client
}

var _ agent.LLMProvider = (*Ollama)(nil)

func NewOllama(cfg config.LLMProviderConfig) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &Ollama{
		ModelSelector: agent.NewModelSelector(cfg.DefaultModel),
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        &http.Client{Timeout: timeout},
	}
}

func (p *Ollama) Name() string { return "ollama" }

func (p *Ollama) Models() []agent.ModelInfo {
	model := p.CurrentModel()
	if model == "" {
		return nil
	}
	return []agent.ModelInfo{{ID: model, Name: model, SupportsTools: true}}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    json.RawMessage `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck verifies the server answers /api/tags and, when the tag list
// is non-empty, that the current model is present.
func (p *Ollama) HealthCheck(ctx context.Context) error {
	model := p.CurrentModel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return agent.NewProviderError("ollama", model, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return agent.NewProviderError("ollama", model, err).WithKind(agent.KindUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return agent.NewProviderError("ollama", model,
			fmt.Errorf("tags endpoint returned %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return agent.NewProviderError("ollama", model, err)
	}
	if model == "" || len(tags.Models) == 0 {
		return nil
	}
	for _, m := range tags.Models {
		if m.Name == model || strings.TrimSuffix(m.Name, ":latest") == model {
			return nil
		}
	}
	return agent.NewProviderError("ollama", model,
		fmt.Errorf("model %s not loaded", model)).WithKind(agent.KindModelNotFound)
}

func (p *Ollama) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.Response, error) {
	stream, err := p.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(ctx, stream)
}

func (p *Ollama) ChatStream(ctx context.Context, req *agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	model := p.ModelSelector.Resolve(req.Model)

	body := ollamaChatRequest{
		Model:    model,
		Messages: convertOllamaMessages(req.Messages, req.System),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		// Ollama accepts OpenAI-shaped tool definitions.
		raw, err := json.Marshal(toolconv.ToOpenAITools(req.Tools))
		if err != nil {
			return nil, agent.NewProviderError("ollama", model, err)
		}
		body.Tools = raw
	}
	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, agent.NewProviderError("ollama", model, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, agent.NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, agent.NewProviderError("ollama", model, err).WithKind(agent.KindUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, agent.NewProviderError("ollama", model,
			fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))).
			WithStatus(resp.StatusCode)
	}

	chunks := make(chan agent.StreamChunk)
	go p.processStream(ctx, resp.Body, chunks, model)
	return chunks, nil
}

func (p *Ollama) processStream(ctx context.Context, body io.ReadCloser, chunks chan<- agent.StreamChunk, model string) {
	defer close(chunks)
	defer body.Close()

	send := func(chunk agent.StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case chunks <- chunk:
			return true
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), ollamaScanBuffer)

	callSeq := 0
	sawToolCalls := false

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			send(agent.StreamChunk{Err: agent.NewProviderError("ollama", model, err), Done: true})
			return
		}
		if resp.Error != "" {
			send(agent.StreamChunk{Err: agent.NewProviderError("ollama", model, errors.New(resp.Error)), Done: true})
			return
		}

		if resp.Message.Content != "" {
			if !send(agent.StreamChunk{ContentDelta: resp.Message.Content}) {
				return
			}
		}

		// Ollama emits tool calls whole, never as fragments. IDs are
		// synthesized because the wire format has none.
		for _, tc := range resp.Message.ToolCalls {
			callSeq++
			sawToolCalls = true
			call := &models.ToolCall{
				ID:        fmt.Sprintf("call_%d", callSeq),
				Name:      tc.Function.Name,
				Arguments: agent.SanitizeArguments(tc.Function.Arguments),
			}
			if !send(agent.StreamChunk{ToolCall: call}) {
				return
			}
		}

		if resp.Done {
			finish := resp.DoneReason
			if sawToolCalls {
				finish = "tool_calls"
			}
			var usage *agent.TokenUsage
			if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
				usage = &agent.TokenUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
				}
			}
			send(agent.StreamChunk{Done: true, FinishReason: finish, Usage: usage})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(agent.StreamChunk{Err: agent.NewProviderError("ollama", model, err), Done: true})
		return
	}
	// Stream ended without a done marker.
	send(agent.StreamChunk{Err: agent.NewProviderError("ollama", model,
		errors.New("stream ended before completion")).WithKind(agent.KindUnavailable), Done: true})
}

func convertOllamaMessages(messages []models.Message, system string) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, ollamaMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem, models.RoleUser:
			result = append(result, ollamaMessage{Role: string(msg.Role), Content: msg.Content})
		case models.RoleAssistant:
			m := ollamaMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					Function: ollamaFunction{
						Name:      call.Name,
						Arguments: agent.SanitizeArguments(call.Arguments),
					},
				})
			}
			result = append(result, m)
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, ollamaMessage{Role: "tool", Content: toolResultContent(tr)})
			}
		}
	}
	return result
}
