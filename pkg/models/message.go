// Package models provides the shared domain types for the Parley platform:
// conversation messages, tool definitions with execution profiles, catalog
// DTOs, and the wire protocol spoken between the agent host and its clients.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageStatus tracks the delivery state of a message. Transitions are
// monotonic: pending may move to completed or failed, never back.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusCompleted MessageStatus = "completed"
	MessageStatusFailed    MessageStatus = "failed"
)

// CanTransitionTo reports whether s may move to next.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == next {
		return true
	}
	return s == MessageStatusPending &&
		(next == MessageStatusCompleted || next == MessageStatusFailed)
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationDeleted ConversationStatus = "deleted"
)

// Message is a single entry in a conversation transcript.
type Message struct {
	ID          string        `json:"id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []ToolResult  `json:"tool_results,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool. CallID is unique
// within the parent assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult links the outcome of a tool execution back to its call.
type ToolResult struct {
	ToolCallID      string          `json:"tool_call_id"`
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}
