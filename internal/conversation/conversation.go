// Package conversation holds the event-sourced Conversation aggregate: the
// durable transcript of one user's exchange with the agent, mutated only
// through guarded commands whose events fold back into state.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Command guard errors.
var (
	ErrNotActive      = errors.New("conversation: not active")
	ErrMessageMissing = errors.New("conversation: message not found")
	ErrNotAssistant   = errors.New("conversation: target message is not an assistant message")
	ErrDuplicateCall  = errors.New("conversation: duplicate tool call id")
	ErrCallMissing    = errors.New("conversation: no matching tool call")
	ErrDuplicateRes   = errors.New("conversation: tool call already has a result")
	ErrBadTransition  = errors.New("conversation: invalid message status transition")
)

// Conversation is the aggregate root. State is the fold of its event stream;
// commands validate guards, record an event, and apply it immediately so the
// in-memory state always matches events-so-far.
type Conversation struct {
	ID           string
	UserID       string
	SystemPrompt string
	Messages     []models.Message
	Status       models.ConversationStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time

	version     int64
	uncommitted []eventstore.EventData
}

// New creates a conversation aggregate and records ConversationCreated.
func New(id, userID, systemPrompt string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conversation{}
	payload := ConversationCreatedPayload{
		eventMeta:      newMeta(),
		ConversationID: id,
		UserID:         userID,
		SystemPrompt:   systemPrompt,
		CreatedAt:      time.Now().UTC(),
	}
	if systemPrompt != "" {
		payload.SystemMessageID = uuid.NewString()
	}
	c.record(EventConversationCreated, payload)
	return c
}

// Version is the last committed stream version, used as the expected version
// on save.
func (c *Conversation) Version() int64 {
	return c.version
}

// UncommittedEvents drains events recorded since the last load/save.
func (c *Conversation) UncommittedEvents() []eventstore.EventData {
	return c.uncommitted
}

func (c *Conversation) markCommitted(n int) {
	c.uncommitted = c.uncommitted[n:]
	c.version += int64(n)
}

// AddUserMessage appends a user turn. User messages are complete on arrival.
func (c *Conversation) AddUserMessage(content string) (string, error) {
	if c.Status != models.ConversationActive {
		return "", ErrNotActive
	}
	id := uuid.NewString()
	c.record(EventMessageAdded, MessageAddedPayload{
		eventMeta: newMeta(),
		MessageID: id,
		Role:      models.RoleUser,
		Content:   content,
		Status:    models.MessageStatusCompleted,
		CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

// AddAssistantMessage appends an assistant turn with the given status.
func (c *Conversation) AddAssistantMessage(content string, status models.MessageStatus) (string, error) {
	if c.Status != models.ConversationActive {
		return "", ErrNotActive
	}
	id := uuid.NewString()
	c.record(EventMessageAdded, MessageAddedPayload{
		eventMeta: newMeta(),
		MessageID: id,
		Role:      models.RoleAssistant,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

// AddToolCall attaches a tool call to an existing assistant message. CallID
// must be unique within that message.
func (c *Conversation) AddToolCall(messageID, callID, name string, arguments json.RawMessage) error {
	if c.Status != models.ConversationActive {
		return ErrNotActive
	}
	msg := c.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageMissing, messageID)
	}
	if msg.Role != models.RoleAssistant {
		return ErrNotAssistant
	}
	for _, tc := range msg.ToolCalls {
		if tc.ID == callID {
			return fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
		}
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	c.record(EventToolCallAdded, ToolCallAddedPayload{
		eventMeta: newMeta(),
		MessageID: messageID,
		CallID:    callID,
		Name:      name,
		Arguments: arguments,
	})
	return nil
}

// AddToolResult records the outcome of a tool call. Each call takes at most
// one result.
func (c *Conversation) AddToolResult(messageID, callID string, success bool, result json.RawMessage, errText string, executionTimeMS int64) error {
	if c.Status != models.ConversationActive {
		return ErrNotActive
	}
	msg := c.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageMissing, messageID)
	}
	found := false
	for _, tc := range msg.ToolCalls {
		if tc.ID == callID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCallMissing, callID)
	}
	for _, tr := range msg.ToolResults {
		if tr.ToolCallID == callID {
			return fmt.Errorf("%w: %s", ErrDuplicateRes, callID)
		}
	}
	c.record(EventToolResultAdded, ToolResultAddedPayload{
		eventMeta:       newMeta(),
		MessageID:       messageID,
		CallID:          callID,
		Success:         success,
		Result:          result,
		Error:           errText,
		ExecutionTimeMS: executionTimeMS,
	})
	return nil
}

// UpdateMessageStatus moves a message status forward. Transitions are
// monotonic: pending may complete or fail; terminal states only accept
// themselves.
func (c *Conversation) UpdateMessageStatus(messageID string, status models.MessageStatus) error {
	if c.Status != models.ConversationActive {
		return ErrNotActive
	}
	msg := c.findMessage(messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageMissing, messageID)
	}
	if !msg.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, msg.Status, status)
	}
	if msg.Status == status {
		// Idempotent no-op; nothing to record.
		return nil
	}
	c.record(EventMessageStatusUpdated, MessageStatusUpdatedPayload{
		eventMeta: newMeta(),
		MessageID: messageID,
		Status:    status,
	})
	return nil
}

// ClearMessages truncates the transcript. With keepSystem the index-0 system
// message survives. Clearing an already-clear transcript records nothing, so
// the command is idempotent.
func (c *Conversation) ClearMessages(keepSystem bool) {
	remaining := len(c.Messages)
	if keepSystem && remaining > 0 && c.Messages[0].Role == models.RoleSystem {
		remaining--
	}
	if remaining == 0 {
		return
	}
	c.record(EventMessagesCleared, MessagesClearedPayload{
		eventMeta:  newMeta(),
		KeepSystem: keepSystem,
	})
}

// Delete soft-deletes the conversation. History is retained; only the status
// changes, and further commands are rejected.
func (c *Conversation) Delete() error {
	if c.Status != models.ConversationActive {
		return ErrNotActive
	}
	c.record(EventConversationDeleted, ConversationDeletedPayload{
		eventMeta: newMeta(),
		DeletedAt: time.Now().UTC(),
	})
	return nil
}

// GetContextMessages returns the most recent max messages for LLM prompt
// assembly, always retaining the leading system message when present.
// max <= 0 returns everything.
func (c *Conversation) GetContextMessages(max int) []models.Message {
	if max <= 0 || len(c.Messages) <= max {
		out := make([]models.Message, len(c.Messages))
		copy(out, c.Messages)
		return out
	}

	out := make([]models.Message, 0, max)
	start := len(c.Messages) - max
	if c.Messages[0].Role == models.RoleSystem {
		out = append(out, c.Messages[0])
		start = len(c.Messages) - max + 1
	}
	// Never start the window on a tool message: its call context would be
	// missing from the prompt.
	for start < len(c.Messages) && c.Messages[start].Role == models.RoleTool {
		start++
	}
	out = append(out, c.Messages[start:]...)
	return out
}

func (c *Conversation) findMessage(id string) *models.Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}

// record registers an uncommitted event and applies it.
func (c *Conversation) record(eventType string, payload any) {
	data := eventstore.MarshalPayload(eventType, payload)
	c.uncommitted = append(c.uncommitted, data)
	c.apply(eventType, data.Payload)
}

// Apply folds one committed event into state. It is exported for replay by
// the repository and must stay total: unknown event types are skipped so old
// streams survive schema evolution.
func (c *Conversation) Apply(ev eventstore.Event) {
	c.apply(ev.Type, ev.Payload)
	c.version = ev.Version
}

func (c *Conversation) apply(eventType string, payload json.RawMessage) {
	switch eventType {
	case EventConversationCreated:
		var p ConversationCreatedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		c.ID = p.ConversationID
		c.UserID = p.UserID
		c.SystemPrompt = p.SystemPrompt
		c.Status = models.ConversationActive
		c.CreatedAt = p.CreatedAt
		c.UpdatedAt = p.CreatedAt
		if p.SystemPrompt != "" {
			c.Messages = append(c.Messages, models.Message{
				ID:        p.SystemMessageID,
				Role:      models.RoleSystem,
				Content:   p.SystemPrompt,
				Status:    models.MessageStatusCompleted,
				CreatedAt: p.CreatedAt,
			})
		}

	case EventMessageAdded:
		var p MessageAddedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		c.Messages = append(c.Messages, models.Message{
			ID:        p.MessageID,
			Role:      p.Role,
			Content:   p.Content,
			Status:    p.Status,
			CreatedAt: p.CreatedAt,
		})
		c.UpdatedAt = p.CreatedAt

	case EventToolCallAdded:
		var p ToolCallAddedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        p.CallID,
				Name:      p.Name,
				Arguments: p.Arguments,
			})
		}

	case EventToolResultAdded:
		var p ToolResultAddedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.ToolResults = append(msg.ToolResults, models.ToolResult{
				ToolCallID:      p.CallID,
				Success:         p.Success,
				Result:          p.Result,
				Error:           p.Error,
				ExecutionTimeMS: p.ExecutionTimeMS,
			})
		}

	case EventMessageStatusUpdated:
		var p MessageStatusUpdatedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.Status = p.Status
		}

	case EventMessagesCleared:
		var p MessagesClearedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		if p.KeepSystem && len(c.Messages) > 0 && c.Messages[0].Role == models.RoleSystem {
			c.Messages = c.Messages[:1]
		} else {
			c.Messages = nil
		}

	case EventConversationDeleted:
		var p ConversationDeletedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		c.Status = models.ConversationDeleted
		c.UpdatedAt = p.DeletedAt
	}
}
