package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/pkg/models"
)

// Session is the per-connection state machine. Frames arrive from a single
// reader goroutine; the agent loop and the flow engine run on their own
// goroutines and share state through the session mutex.
type Session struct {
	o *Orchestrator

	ConnectionID   string
	UserID         string
	ConversationID string
	bearer         string

	ctx    context.Context
	cancel context.CancelFunc
	send   Sender
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	conv      *conversation.Conversation
	tools     []models.ToolManifest
	provider  agent.LLMProvider
	tpl       *flows.Template
	flow      *flowRun
	runCancel context.CancelFunc
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// setTools replaces the tool list on SSE updates from the tools provider.
func (s *Session) setTools(tools []models.ToolManifest) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *Session) sendFrame(frame models.Frame) {
	if err := s.send.Send(frame); err != nil {
		s.o.warn(s.ctx, "frame delivery failed",
			"connection_id", s.ConnectionID, "frame_type", frame.Type, "error", err)
	}
}

func (s *Session) setChatInput(enabled bool) {
	s.sendFrame(models.NewFrame(models.FrameChatInputEnabled, s.ConversationID,
		models.ChatInputEnabledPayload{Enabled: enabled}))
}

func (s *Session) sendError(category models.ErrorCategory, code, message string, retryable bool) {
	s.sendFrame(models.NewFrame(models.FrameSystemError, s.ConversationID,
		models.SystemErrorPayload{
			Category:    category,
			Code:        code,
			Message:     message,
			IsRetryable: retryable,
		}))
}

// HandleFrame dispatches one client frame. Unknown types are rejected with a
// client-category validation error.
func (s *Session) HandleFrame(ctx context.Context, frame models.Frame) {
	switch frame.Type {
	case models.FramePong:
		// Heartbeat bookkeeping happens in the connection manager.
	case models.FrameClientMessage:
		s.handleUserMessage(ctx, frame)
	case models.FrameWidgetResponse:
		s.handleWidgetResponse(frame)
	case models.FrameFlowStart:
		s.handleFlowStart(frame)
	case models.FrameFlowPause:
		s.handleFlowPause()
	case models.FrameFlowCancel:
		s.handleFlowCancel()
	case models.FrameModelChange:
		s.handleModelChange(frame)
	default:
		s.sendError(models.ErrorCategoryClient, "validation_error",
			"unsupported message type: "+frame.Type, false)
	}
}

// Close tears the session down. The reason is mapped onto the closed set by
// the connection manager; here we only stop background work.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	cancelRun := s.runCancel
	flow := s.flow
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if flow != nil {
		flow.cancel()
	}
	s.cancel()
	s.wg.Wait()
	s.setState(StateClosed)
}

func (s *Session) handleUserMessage(ctx context.Context, frame models.Frame) {
	if s.o.opts.Dedupe != nil && frame.ID != "" && s.o.opts.Dedupe.Check(frame.ID) {
		return
	}

	var payload models.ClientMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || strings.TrimSpace(payload.Content) == "" {
		s.sendError(models.ErrorCategoryClient, "validation_error", "message content is required", false)
		return
	}

	s.mu.Lock()
	if s.state == StateRunningAgent {
		s.mu.Unlock()
		s.sendError(models.ErrorCategoryClient, "busy", "an agent run is already in progress", false)
		return
	}
	if _, err := s.conv.AddUserMessage(payload.Content); err != nil {
		s.mu.Unlock()
		s.sendError(models.ErrorCategoryServer, "server_error", err.Error(), false)
		return
	}
	if err := s.o.opts.Conversations.Save(ctx, s.conv); err != nil {
		s.mu.Unlock()
		s.sendError(models.ErrorCategoryServer, "server_error", "failed to persist message", true)
		return
	}
	resumeFlow := s.flow != nil && !s.flow.finished()
	s.state = StateRunningAgent
	runCtx, cancel := context.WithCancel(s.ctx)
	s.runCancel = cancel
	provider := s.provider
	history := s.conv.GetContextMessages(s.o.opts.HistoryLimit)
	toolSpecs, manifests := s.toolSpecsLocked()
	s.mu.Unlock()

	s.setChatInput(false)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAgent(runCtx, provider, history, toolSpecs, manifests, resumeFlow)
	}()
}

// toolSpecsLocked converts the manifests into the agent's tool shape and
// returns a name index for execution routing. Caller holds s.mu.
func (s *Session) toolSpecsLocked() ([]agent.ToolSpec, map[string]models.ToolManifest) {
	specs := make([]agent.ToolSpec, 0, len(s.tools))
	byName := make(map[string]models.ToolManifest, len(s.tools))
	for _, m := range s.tools {
		specs = append(specs, agent.ToolSpec{
			Name:        m.Name,
			Description: m.Description,
			InputSchema: m.InputSchema,
		})
		byName[m.Name] = m
	}
	return specs, byName
}

// executeTool routes one model tool call to the tools provider.
func (s *Session) executeTool(manifests map[string]models.ToolManifest) agent.ToolRunner {
	return func(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
		manifest, ok := manifests[call.Name]
		if !ok || s.o.opts.Tools == nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Success:    false,
				Error:      "unknown tool: " + call.Name,
			}, nil
		}
		res, err := s.o.opts.Tools.CallTool(ctx, s.bearer, models.CallRequest{
			ToolID:    manifest.ToolID,
			Arguments: call.Arguments,
			RequestID: call.ID,
		})
		if err != nil {
			return models.ToolResult{}, err
		}
		return models.ToolResult{
			ToolCallID:      call.ID,
			Success:         res.Status == models.CallCompleted,
			Result:          res.Result,
			Error:           res.Error,
			ExecutionTimeMS: res.ExecutionTimeMS,
		}, nil
	}
}

// runAgent drives one agent turn and translates its events into wire frames,
// persisting assistant content and tool activity through the aggregate.
func (s *Session) runAgent(ctx context.Context, provider agent.LLMProvider,
	history []models.Message, toolSpecs []agent.ToolSpec,
	manifests map[string]models.ToolManifest, resumeFlow bool) {

	loop := agent.NewLoop(agent.LoopOptions{
		Provider:            provider,
		MaxIterations:       s.o.opts.Agent.MaxIterations,
		MaxToolCallsPerTurn: s.o.opts.Agent.MaxToolCallsPerTurn,
		SystemPrompt:        s.o.opts.Agent.SystemPrompt,
		Metrics:             s.o.opts.Metrics,
		Logger:              s.o.opts.Logger,
	})

	events := loop.Run(ctx, agent.RunContext{
		ConversationID: s.ConversationID,
		History:        history,
		Tools:          toolSpecs,
		Execute:        s.executeTool(manifests),
	})

	var (
		wireMsgID   string
		partial     strings.Builder
		lastMsgID   string
		lastContent string
	)

	for ev := range events {
		switch ev.Type {
		case agent.EventRunStarted:
			s.sendFrame(models.NewFrame(models.FrameAssistantThinking, s.ConversationID, nil))

		case agent.EventIterationStarted:
			wireMsgID = uuid.NewString()
			partial.Reset()

		case agent.EventLLMResponseChunk:
			partial.WriteString(ev.Content)
			s.sendFrame(models.NewFrame(models.FrameContentChunk, s.ConversationID,
				models.ContentChunkPayload{Content: ev.Content, MessageID: wireMsgID}))

		case agent.EventLLMResponseCompleted:
			partial.Reset()
			s.mu.Lock()
			id, err := s.conv.AddAssistantMessage(ev.Content, models.MessageStatusCompleted)
			s.mu.Unlock()
			if err != nil {
				s.o.warn(ctx, "persist assistant message failed", "error", err)
			}
			lastMsgID = id
			lastContent = ev.Content
			if ev.Content != "" {
				s.sendFrame(models.NewFrame(models.FrameContentComplete, s.ConversationID,
					models.ContentCompletePayload{
						MessageID:   wireMsgID,
						Role:        models.RoleAssistant,
						FullContent: ev.Content,
					}))
			}

		case agent.EventToolExecutionStarted:
			if ev.ToolCall != nil {
				s.mu.Lock()
				if err := s.conv.AddToolCall(lastMsgID, ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Arguments); err != nil {
					s.o.warn(ctx, "persist tool call failed", "error", err)
				}
				s.mu.Unlock()
				s.sendFrame(models.NewFrame(models.FrameToolExecuting, s.ConversationID,
					models.ToolExecutingPayload{CallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name}))
			}

		case agent.EventToolExecutionCompleted, agent.EventToolExecutionFailed:
			if ev.ToolResult != nil {
				tr := ev.ToolResult
				s.mu.Lock()
				if err := s.conv.AddToolResult(lastMsgID, tr.ToolCallID, tr.Success, tr.Result, tr.Error, tr.ExecutionTimeMS); err != nil {
					s.o.warn(ctx, "persist tool result failed", "error", err)
				}
				s.mu.Unlock()
				name := ""
				if ev.ToolCall != nil {
					name = ev.ToolCall.Name
				}
				s.sendFrame(models.NewFrame(models.FrameToolResult, s.ConversationID,
					models.ToolResultPayload{
						CallID:          tr.ToolCallID,
						ToolName:        name,
						Success:         tr.Success,
						Result:          tr.Result,
						Error:           tr.Error,
						ExecutionTimeMS: tr.ExecutionTimeMS,
					}))
			}

		case agent.EventRunCompleted:
			s.saveConversation(ctx)
			s.sendFrame(models.NewFrame(models.FrameMessageComplete, s.ConversationID,
				models.MessageCompletePayload{
					MessageID: lastMsgID,
					Role:      models.RoleAssistant,
					Content:   lastContent,
				}))
			s.finishRun(resumeFlow)
			return

		case agent.EventRunFailed:
			// Partial streamed content stays in the conversation,
			// marked failed.
			if partial.Len() > 0 {
				s.mu.Lock()
				if _, err := s.conv.AddAssistantMessage(partial.String(), models.MessageStatusFailed); err != nil {
					s.o.warn(ctx, "persist partial assistant message failed", "error", err)
				}
				s.mu.Unlock()
			}
			s.saveConversation(ctx)
			retryable := agent.ErrorKind(ev.Reason).IsRetryable()
			s.sendError(models.ErrorCategoryServer, ev.Reason, errText(ev.Err, ev.Reason), retryable)
			s.finishRun(resumeFlow)
			return
		}
	}

	// Channel closed without a terminal event: the run was cancelled.
	if ctx.Err() == nil {
		s.finishRun(resumeFlow)
	}
}

func errText(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

func (s *Session) saveConversation(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.o.opts.Conversations.Save(ctx, s.conv); err != nil {
		s.o.warn(ctx, "conversation save failed",
			"conversation_id", s.ConversationID, "error", err)
	}
}

// finishRun returns the session to its pre-run phase: back into the flow when
// one is mid-presentation, otherwise active with chat input enabled.
func (s *Session) finishRun(resumeFlow bool) {
	s.mu.Lock()
	s.runCancel = nil
	flow := s.flow
	if resumeFlow && flow != nil && !flow.finished() {
		s.state = flow.stateHint()
		s.mu.Unlock()
		s.setChatInput(flow.chatHint())
		return
	}
	s.state = StateActive
	s.mu.Unlock()
	s.setChatInput(true)
}

func (s *Session) handleWidgetResponse(frame models.Frame) {
	var payload models.WidgetResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(models.ErrorCategoryClient, "validation_error", "malformed widget response", false)
		return
	}
	s.mu.Lock()
	flow := s.flow
	state := s.state
	s.mu.Unlock()
	if flow == nil || state != StateWaitingForWidget {
		s.sendError(models.ErrorCategoryClient, "validation_error", "no widget awaiting a response", false)
		return
	}
	if !flow.deliver(&payload) {
		s.sendError(models.ErrorCategoryClient, "validation_error", "response does not match the current widget", false)
	}
}

// flowStartPayload optionally names the template to start; empty falls back
// to the template bound at connect time.
type flowStartPayload struct {
	TemplateID string `json:"templateId"`
}

func (s *Session) handleFlowStart(frame models.Frame) {
	s.mu.Lock()
	if s.flow != nil && !s.flow.finished() {
		flow := s.flow
		s.mu.Unlock()
		// Starting an already-running flow resumes it if paused.
		flow.resume()
		return
	}
	tpl := s.tpl
	s.mu.Unlock()

	var payload flowStartPayload
	if len(frame.Payload) > 0 {
		_ = json.Unmarshal(frame.Payload, &payload)
	}
	if payload.TemplateID != "" && s.o.opts.Flows != nil {
		if found, ok := s.o.opts.Flows.Get(payload.TemplateID); ok {
			tpl = found
		} else {
			s.sendError(models.ErrorCategoryClient, "not_found", "unknown template: "+payload.TemplateID, false)
			return
		}
	}
	if tpl == nil {
		s.sendError(models.ErrorCategoryClient, "not_found", "no template bound to this conversation", false)
		return
	}
	s.startFlow(tpl)
}

func (s *Session) startFlow(tpl *flows.Template) {
	flowCtx, cancel := context.WithCancel(s.ctx)
	f := &flowRun{
		s:        s,
		tpl:      tpl,
		ctx:      flowCtx,
		cancelFn: cancel,
		widgetCh: make(chan *models.WidgetResponsePayload, 1),
		resumeCh: make(chan struct{}),
	}
	s.mu.Lock()
	s.tpl = tpl
	s.flow = f
	s.state = StatePresenting
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f.run()
	}()
}

func (s *Session) handleFlowPause() {
	s.mu.Lock()
	flow := s.flow
	s.mu.Unlock()
	if flow == nil || flow.finished() {
		return
	}
	flow.pause()
	s.setChatInput(true)
}

func (s *Session) handleFlowCancel() {
	s.mu.Lock()
	flow := s.flow
	cancelRun := s.runCancel
	s.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if flow != nil {
		flow.cancel()
	}

	s.mu.Lock()
	s.flow = nil
	s.runCancel = nil
	s.state = StateActive
	s.mu.Unlock()
	s.setChatInput(true)
}

func (s *Session) handleModelChange(frame models.Frame) {
	if !s.o.opts.AllowModelSelection {
		s.sendError(models.ErrorCategoryClient, "forbidden", "model selection is disabled", false)
		return
	}
	var payload models.ModelChangePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ModelID == "" {
		s.sendError(models.ErrorCategoryClient, "validation_error", "modelId is required", false)
		return
	}

	if strings.Contains(payload.ModelID, ":") {
		provider, model, err := s.o.opts.Providers.Resolve(payload.ModelID)
		if err != nil {
			s.sendError(models.ErrorCategoryClient, "not_found", err.Error(), false)
			return
		}
		provider.SetModelOverride(model)
		s.mu.Lock()
		s.provider = provider
		s.mu.Unlock()
		s.o.info(s.ctx, "model changed",
			"conversation_id", s.ConversationID, "provider", provider.Name(), "model", model)
		return
	}

	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	provider.SetModelOverride(payload.ModelID)
	s.o.info(s.ctx, "model changed",
		"conversation_id", s.ConversationID, "provider", provider.Name(), "model", payload.ModelID)
}
