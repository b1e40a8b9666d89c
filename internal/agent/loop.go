package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// EventType identifies one step of an agent run.
type EventType string

const (
	EventRunStarted             EventType = "run_started"
	EventIterationStarted       EventType = "iteration_started"
	EventLLMRequestStarted      EventType = "llm_request_started"
	EventLLMResponseChunk       EventType = "llm_response_chunk"
	EventLLMResponseCompleted   EventType = "llm_response_completed"
	EventToolCallsDetected      EventType = "tool_calls_detected"
	EventToolExecutionStarted   EventType = "tool_execution_started"
	EventToolExecutionCompleted EventType = "tool_execution_completed"
	EventToolExecutionFailed    EventType = "tool_execution_failed"
	EventRunCompleted           EventType = "run_completed"
	EventRunFailed              EventType = "run_failed"
)

// ReasonIterationCap is the run_failed reason when max_iterations or
// max_tool_calls_per_turn is exceeded.
const ReasonIterationCap = "iteration_cap"

// Event is one element of the run's event stream. Fields are populated per
// type: Content for chunks and completed responses, ToolCalls for detection,
// ToolCall/ToolResult for execution events, Reason and Err for run_failed.
type Event struct {
	Type      EventType
	Iteration int

	Content    string
	ToolCalls  []models.ToolCall
	ToolCall   *models.ToolCall
	ToolResult *models.ToolResult
	Usage      *TokenUsage

	Reason string
	Err    error
}

// ToolRunner executes one tool call on behalf of the model. Implementations
// must honor ctx and return an error only when the execution machinery itself
// failed; a tool that ran and refused returns a ToolResult with Success=false.
type ToolRunner func(ctx context.Context, call models.ToolCall) (models.ToolResult, error)

// RunContext carries the inputs of a single turn.
type RunContext struct {
	ConversationID string

	// UserMessage is the new user input. It is appended after History.
	UserMessage string

	// History is the prior conversation, oldest first. A leading system
	// message is preserved; otherwise the loop's configured system prompt
	// is injected.
	History []models.Message

	Tools   []ToolSpec
	Execute ToolRunner
}

const (
	defaultMaxIterations       = 10
	defaultMaxToolCallsPerTurn = 8
)

// LoopOptions configures a Loop. Zero values get defaults.
type LoopOptions struct {
	Provider            LLMProvider
	MaxIterations       int
	MaxToolCallsPerTurn int
	SystemPrompt        string
	MaxTokens           int
	Metrics             *observability.Metrics
	Logger              *observability.Logger
}

// Loop drives the ReAct cycle for one provider.
type Loop struct {
	provider            LLMProvider
	maxIterations       int
	maxToolCallsPerTurn int
	systemPrompt        string
	maxTokens           int
	metrics             *observability.Metrics
	logger              *observability.Logger
	now                 func() time.Time
}

func NewLoop(opts LoopOptions) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxToolCallsPerTurn <= 0 {
		opts.MaxToolCallsPerTurn = defaultMaxToolCallsPerTurn
	}
	return &Loop{
		provider:            opts.Provider,
		maxIterations:       opts.MaxIterations,
		maxToolCallsPerTurn: opts.MaxToolCallsPerTurn,
		systemPrompt:        opts.SystemPrompt,
		maxTokens:           opts.MaxTokens,
		metrics:             opts.Metrics,
		logger:              opts.Logger,
		now:                 time.Now,
	}
}

// Run executes one turn and returns its event stream. The channel is closed
// when the run finishes, fails, or ctx is cancelled; after cancellation no
// further events are emitted.
func (l *Loop) Run(ctx context.Context, rc RunContext) <-chan Event {
	out := make(chan Event)
	go l.run(ctx, rc, out)
	return out
}

func (l *Loop) run(ctx context.Context, rc RunContext, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- ev:
			return true
		}
	}

	fail := func(iteration int, reason string, err error) {
		if l.metrics != nil {
			l.metrics.RecordAgentRun("failed", iteration+1)
		}
		if l.logger != nil {
			l.logger.Warn(ctx, "agent run failed",
				"conversation_id", rc.ConversationID,
				"iteration", iteration,
				"reason", reason,
				"error", err)
		}
		emit(Event{Type: EventRunFailed, Iteration: iteration, Reason: reason, Err: err})
	}

	if !emit(Event{Type: EventRunStarted}) {
		return
	}

	messages := l.assemblePrompt(rc)
	var totalUsage *TokenUsage

	for i := 0; ; i++ {
		if i >= l.maxIterations {
			fail(i-1, ReasonIterationCap, nil)
			return
		}
		if !emit(Event{Type: EventIterationStarted, Iteration: i}) {
			return
		}
		if !emit(Event{Type: EventLLMRequestStarted, Iteration: i}) {
			return
		}

		req := &ChatRequest{
			Messages:  messages,
			Tools:     rc.Tools,
			MaxTokens: l.maxTokens,
		}
		started := l.now()
		stream, err := l.provider.ChatStream(ctx, req)
		if err != nil {
			l.recordLLMRequest("error", started, nil)
			if ctx.Err() != nil {
				return
			}
			fail(i, string(KindOf(err)), err)
			return
		}

		resp, streamErr := l.consumeStream(ctx, i, stream, emit)
		if streamErr != nil {
			l.recordLLMRequest("error", started, nil)
			if ctx.Err() != nil {
				return
			}
			fail(i, string(KindOf(streamErr)), streamErr)
			return
		}
		if ctx.Err() != nil {
			return
		}
		l.recordLLMRequest("success", started, resp.Usage)
		if resp.Usage != nil {
			if totalUsage == nil {
				totalUsage = &TokenUsage{}
			}
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
		}

		if !emit(Event{
			Type:      EventLLMResponseCompleted,
			Iteration: i,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Usage:     resp.Usage,
		}) {
			return
		}

		assistant := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Status:    models.MessageStatusCompleted,
			CreatedAt: l.now(),
		}
		messages = append(messages, assistant)

		if len(resp.ToolCalls) == 0 {
			if l.metrics != nil {
				l.metrics.RecordAgentRun("completed", i+1)
			}
			emit(Event{Type: EventRunCompleted, Iteration: i, Content: resp.Content, Usage: totalUsage})
			return
		}

		if len(resp.ToolCalls) > l.maxToolCallsPerTurn {
			fail(i, ReasonIterationCap, nil)
			return
		}

		if !emit(Event{Type: EventToolCallsDetected, Iteration: i, ToolCalls: resp.ToolCalls}) {
			return
		}

		// Sequential execution keeps result ordering aligned with call
		// ordering in the follow-up prompt.
		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for idx := range resp.ToolCalls {
			call := resp.ToolCalls[idx]
			call.Arguments = SanitizeArguments(call.Arguments)

			if !emit(Event{Type: EventToolExecutionStarted, Iteration: i, ToolCall: &call}) {
				return
			}
			result, execErr := rc.Execute(ctx, call)
			if ctx.Err() != nil {
				return
			}
			if execErr != nil {
				result = models.ToolResult{
					ToolCallID: call.ID,
					Success:    false,
					Error:      execErr.Error(),
				}
				if !emit(Event{Type: EventToolExecutionFailed, Iteration: i, ToolCall: &call, ToolResult: &result, Err: execErr}) {
					return
				}
			} else {
				result.ToolCallID = call.ID
				if !emit(Event{Type: EventToolExecutionCompleted, Iteration: i, ToolCall: &call, ToolResult: &result}) {
					return
				}
			}
			results = append(results, result)
		}

		messages = append(messages, models.Message{
			ID:          uuid.NewString(),
			Role:        models.RoleTool,
			ToolResults: results,
			Status:      models.MessageStatusCompleted,
			CreatedAt:   l.now(),
		})
	}
}

// consumeStream forwards content deltas as llm_response_chunk events and
// accumulates the terminal response. A false return from emit (cancellation)
// surfaces as ctx.Err via the caller's check.
func (l *Loop) consumeStream(ctx context.Context, iteration int, stream <-chan StreamChunk, emit func(Event) bool) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return resp, nil
		case chunk, ok := <-stream:
			if !ok {
				return resp, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.ContentDelta != "" {
				resp.Content += chunk.ContentDelta
				if !emit(Event{Type: EventLLMResponseChunk, Iteration: iteration, Content: chunk.ContentDelta}) {
					return resp, nil
				}
			}
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

func (l *Loop) assemblePrompt(rc RunContext) []models.Message {
	messages := make([]models.Message, 0, len(rc.History)+2)
	hasSystem := len(rc.History) > 0 && rc.History[0].Role == models.RoleSystem
	if !hasSystem && l.systemPrompt != "" {
		messages = append(messages, models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleSystem,
			Content:   l.systemPrompt,
			Status:    models.MessageStatusCompleted,
			CreatedAt: l.now(),
		})
	}
	messages = append(messages, rc.History...)
	if rc.UserMessage != "" {
		messages = append(messages, models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleUser,
			Content:   rc.UserMessage,
			Status:    models.MessageStatusCompleted,
			CreatedAt: l.now(),
		})
	}
	return messages
}

func (l *Loop) recordLLMRequest(status string, started time.Time, usage *TokenUsage) {
	if l.metrics == nil {
		return
	}
	prompt, completion := 0, 0
	if usage != nil {
		prompt, completion = usage.PromptTokens, usage.CompletionTokens
	}
	l.metrics.RecordLLMRequest(l.provider.Name(), l.provider.CurrentModel(), status,
		l.now().Sub(started).Seconds(), prompt, completion)
}
