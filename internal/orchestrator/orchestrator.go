// Package orchestrator bridges the wire protocol to the agent loop, the
// conversation aggregate, and template-driven proactive flows. Each client
// connection gets one Session running a small state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting       State = "connecting"
	StateAuthenticated    State = "authenticated"
	StateActive           State = "active"
	StatePresenting       State = "presenting"
	StateWaitingForWidget State = "waiting_for_widget"
	StateRunningAgent     State = "running_agent"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
)

// Sender delivers one frame to the session's client.
type Sender interface {
	Send(frame models.Frame) error
}

// ToolService is the slice of the tools-provider client the orchestrator
// needs. *toolclient.Client satisfies it.
type ToolService interface {
	ListTools(ctx context.Context, bearer string) ([]models.ToolManifest, error)
	CallTool(ctx context.Context, bearer string, call models.CallRequest) (models.CallResult, error)
	Subscribe(ctx context.Context, bearer string, onToolList func([]models.ToolManifest))
}

// ConversationStore loads and saves conversation aggregates.
// *conversation.Repository satisfies it.
type ConversationStore interface {
	Load(ctx context.Context, id string) (*conversation.Conversation, error)
	Save(ctx context.Context, c *conversation.Conversation) error
}

const (
	defaultChunkSize     = 50
	defaultChunkInterval = 50 * time.Millisecond
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Providers     *agent.Registry
	Agent         config.AgentConfig
	Flows         *flows.Registry // nil disables templates
	FlowCfg       config.FlowsConfig
	Tools         ToolService
	Conversations ConversationStore
	Dedupe        *cache.DedupeCache

	// HistoryLimit caps how many messages are replayed into LLM context.
	// Zero replays everything.
	HistoryLimit int

	// ToolUpdates keeps each session's tool list live over the tools
	// provider's SSE stream. Off, the list is fetched once at connect.
	ToolUpdates bool

	Capabilities        []string
	AllowModelSelection bool

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Orchestrator opens sessions for authenticated connections.
type Orchestrator struct {
	opts Options
}

// New validates the required collaborators and applies flow pacing defaults.
func New(opts Options) (*Orchestrator, error) {
	if opts.Providers == nil {
		return nil, errors.New("orchestrator: provider registry is required")
	}
	if opts.Conversations == nil {
		return nil, errors.New("orchestrator: conversation store is required")
	}
	if opts.FlowCfg.ChunkSize <= 0 {
		opts.FlowCfg.ChunkSize = defaultChunkSize
	}
	if opts.FlowCfg.ChunkInterval <= 0 {
		opts.FlowCfg.ChunkInterval = defaultChunkInterval
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = []string{"chat", "tools", "flows", "model_selection"}
	}
	return &Orchestrator{opts: opts}, nil
}

// OpenParams identifies the connection a session is bound to. TemplateID is
// the optional flow template requested by the client at connect time.
type OpenParams struct {
	ConnectionID   string
	UserID         string
	ConversationID string
	Bearer         string
	TemplateID     string
	Send           Sender
}

// Open loads the conversation (creating it on first contact), fetches the
// access-filtered tool list, subscribes for tool-list updates, and sends
// system.connection.established. If the requested template is proactive the
// session starts presenting immediately; otherwise it goes active with chat
// input enabled.
func (o *Orchestrator) Open(ctx context.Context, params OpenParams) (*Session, error) {
	if params.Send == nil {
		return nil, errors.New("orchestrator: sender is required")
	}
	if params.ConversationID == "" {
		return nil, errors.New("orchestrator: conversation id is required")
	}

	conv, err := o.opts.Conversations.Load(ctx, params.ConversationID)
	if errors.Is(err, conversation.ErrNotFound) {
		conv = conversation.New(params.ConversationID, params.UserID, o.opts.Agent.SystemPrompt)
		if saveErr := o.opts.Conversations.Save(ctx, conv); saveErr != nil {
			return nil, fmt.Errorf("create conversation: %w", saveErr)
		}
	} else if err != nil {
		return nil, err
	}

	provider, model, err := o.opts.Providers.Resolve("")
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		o:              o,
		ConnectionID:   params.ConnectionID,
		UserID:         params.UserID,
		ConversationID: params.ConversationID,
		bearer:         params.Bearer,
		ctx:            sessCtx,
		cancel:         cancel,
		send:           params.Send,
		state:          StateConnecting,
		conv:           conv,
		provider:       provider,
	}
	if model != "" && model != provider.CurrentModel() {
		provider.SetModelOverride(model)
	}

	if o.opts.Tools != nil {
		tools, listErr := o.opts.Tools.ListTools(ctx, params.Bearer)
		if listErr != nil {
			o.warn(ctx, "tool list unavailable at connect", "error", listErr)
		} else {
			s.tools = tools
		}
		if o.opts.ToolUpdates {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				o.opts.Tools.Subscribe(sessCtx, params.Bearer, s.setTools)
			}()
		}
	}

	if o.opts.Flows != nil && params.TemplateID != "" {
		if tpl, ok := o.opts.Flows.Get(params.TemplateID); ok {
			s.tpl = tpl
		} else {
			o.warn(ctx, "unknown flow template requested",
				"template_id", params.TemplateID, "conversation_id", params.ConversationID)
		}
	}

	s.setState(StateAuthenticated)
	s.sendFrame(models.NewFrame(models.FrameConnectionEstablished, params.ConversationID,
		models.ConnectionEstablishedPayload{
			ConnectionID:        params.ConnectionID,
			ConversationID:      params.ConversationID,
			UserID:              params.UserID,
			ServerCapabilities:  o.opts.Capabilities,
			CurrentModel:        provider.CurrentModel(),
			AvailableModels:     o.availableModels(),
			AllowModelSelection: o.opts.AllowModelSelection,
			ToolCount:           len(s.tools),
		}))

	if s.tpl != nil && s.tpl.AgentStartsFirst {
		s.startFlow(s.tpl)
	} else {
		s.setState(StateActive)
		s.setChatInput(true)
	}
	return s, nil
}

// availableModels lists every registered provider's models, qualified as
// provider:model so the client can request either half of the pair.
func (o *Orchestrator) availableModels() []string {
	var out []string
	for _, name := range o.opts.Providers.Names() {
		p, ok := o.opts.Providers.Get(name)
		if !ok {
			continue
		}
		for _, m := range p.Models() {
			out = append(out, name+":"+m.ID)
		}
	}
	return out
}

func (o *Orchestrator) warn(ctx context.Context, msg string, args ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Warn(ctx, msg, args...)
	}
}

func (o *Orchestrator) info(ctx context.Context, msg string, args ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Info(ctx, msg, args...)
	}
}
