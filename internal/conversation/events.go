package conversation

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// AggregateType is the stream prefix for conversation streams.
const AggregateType = "conversation"

// Event type names. Payloads carry a schema_version so future shape changes
// can be detected during replay; projectors ignore unknown fields.
const (
	EventConversationCreated  = "ConversationCreated"
	EventMessageAdded         = "MessageAdded"
	EventToolCallAdded        = "ToolCallAdded"
	EventToolResultAdded      = "ToolResultAdded"
	EventMessageStatusUpdated = "MessageStatusUpdated"
	EventMessagesCleared      = "MessagesCleared"
	EventConversationDeleted  = "ConversationDeleted"
)

type eventMeta struct {
	SchemaVersion int `json:"schema_version"`
}

func newMeta() eventMeta {
	return eventMeta{SchemaVersion: 1}
}

// ConversationCreatedPayload starts a conversation. A non-empty system prompt
// becomes the index-0 system message.
type ConversationCreatedPayload struct {
	eventMeta
	ConversationID  string    `json:"conversation_id"`
	UserID          string    `json:"user_id"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	SystemMessageID string    `json:"system_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageAddedPayload appends a message to the transcript.
type MessageAddedPayload struct {
	eventMeta
	MessageID string               `json:"message_id"`
	Role      models.Role          `json:"role"`
	Content   string               `json:"content"`
	Status    models.MessageStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

// ToolCallAddedPayload attaches a tool call to an assistant message.
type ToolCallAddedPayload struct {
	eventMeta
	MessageID string          `json:"message_id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultAddedPayload links an execution outcome to its tool call.
type ToolResultAddedPayload struct {
	eventMeta
	MessageID       string          `json:"message_id"`
	CallID          string          `json:"call_id"`
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}

// MessageStatusUpdatedPayload moves a message along its status lifecycle.
type MessageStatusUpdatedPayload struct {
	eventMeta
	MessageID string               `json:"message_id"`
	Status    models.MessageStatus `json:"status"`
}

// MessagesClearedPayload truncates the transcript. KeepSystem retains the
// index-0 system message.
type MessagesClearedPayload struct {
	eventMeta
	KeepSystem bool `json:"keep_system"`
}

// ConversationDeletedPayload soft-deletes the conversation. The stream and
// its history remain.
type ConversationDeletedPayload struct {
	eventMeta
	DeletedAt time.Time `json:"deleted_at"`
}
