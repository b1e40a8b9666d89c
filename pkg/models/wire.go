package models

import (
	"encoding/json"
	"time"
)

// Frame is the envelope for every message exchanged over the agent host's
// WebSocket and SSE transports.
type Frame struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	ID             string          `json:"id,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
}

// Server-to-client frame types.
const (
	FrameConnectionEstablished = "system.connection.established"
	FramePing                  = "system.ping"
	FramePong                  = "system.pong"
	FrameConnectionClose       = "system.connection.close"
	FrameSystemError           = "system.error"
	FrameChatInputEnabled      = "control.chatInput.enabled"
	FrameItemContext           = "control.item_context"
	FrameContentChunk          = "data.content.chunk"
	FrameContentComplete       = "data.content.complete"
	FrameWidgetShow            = "data.widget.show"
	FrameAssistantThinking     = "event.assistant_thinking"
	FrameToolExecuting         = "event.tool_executing"
	FrameToolResult            = "event.tool_result"
	FrameMessageComplete       = "event.message_complete"
	FrameExpirationWarning     = "event.expiration_warning"
	FrameContentCompleteFlow   = "data.content_complete"
)

// Client-to-server frame types.
const (
	FrameClientMessage  = "client.message"
	FrameWidgetResponse = "client.widget.response"
	FrameFlowStart      = "client.flow.start"
	FrameFlowPause      = "client.flow.pause"
	FrameFlowCancel     = "client.flow.cancel"
	FrameModelChange    = "client.model.change"
)

// ConnectionEstablishedPayload announces server capabilities after a
// successful connect.
type ConnectionEstablishedPayload struct {
	ConnectionID        string   `json:"connectionId"`
	ConversationID      string   `json:"conversationId"`
	UserID              string   `json:"userId"`
	ServerCapabilities  []string `json:"serverCapabilities"`
	CurrentModel        string   `json:"currentModel"`
	AvailableModels     []string `json:"availableModels"`
	AllowModelSelection bool     `json:"allowModelSelection"`
	ToolCount           int      `json:"toolCount"`
}

// PingPayload carries the heartbeat timestamp; pong echoes it back.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// CloseReason is the closed set of connection-close reasons.
type CloseReason string

const (
	CloseUserLogout           CloseReason = "user_logout"
	CloseSessionExpired       CloseReason = "session_expired"
	CloseServerShutdown       CloseReason = "server_shutdown"
	CloseConversationComplete CloseReason = "conversation_complete"
	CloseIdleTimeout          CloseReason = "idle_timeout"
)

// MapCloseReason folds arbitrary reason strings onto the closed set; unknown
// reasons fall back to idle_timeout.
func MapCloseReason(reason string) CloseReason {
	switch CloseReason(reason) {
	case CloseUserLogout, CloseSessionExpired, CloseServerShutdown,
		CloseConversationComplete, CloseIdleTimeout:
		return CloseReason(reason)
	default:
		return CloseIdleTimeout
	}
}

// ConnectionClosePayload tells the client why its connection is ending.
type ConnectionClosePayload struct {
	Reason CloseReason `json:"reason"`
	Code   int         `json:"code"`
}

// ErrorCategory splits wire errors between client and server fault.
type ErrorCategory string

const (
	ErrorCategoryClient ErrorCategory = "client"
	ErrorCategoryServer ErrorCategory = "server"
)

// SystemErrorPayload is the terminal error frame for a streaming session.
type SystemErrorPayload struct {
	Category    ErrorCategory `json:"category"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	IsRetryable bool          `json:"isRetryable"`
}

// ChatInputEnabledPayload toggles the client's free-text input.
type ChatInputEnabledPayload struct {
	Enabled bool `json:"enabled"`
}

// ContentChunkPayload streams one slice of assistant output.
type ContentChunkPayload struct {
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	Final     bool   `json:"final"`
}

// ContentCompletePayload terminates a streamed message.
type ContentCompletePayload struct {
	MessageID   string `json:"messageId"`
	Role        Role   `json:"role"`
	FullContent string `json:"fullContent"`
}

// ToolExecutingPayload announces an in-flight tool call.
type ToolExecutingPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
}

// ToolResultPayload reports the outcome of a tool call.
type ToolResultPayload struct {
	CallID          string          `json:"call_id"`
	ToolName        string          `json:"tool_name"`
	Success         bool            `json:"success"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}

// MessageCompletePayload marks the end of one agent turn.
type MessageCompletePayload struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
}

// ItemContextPayload announces the current flow item.
type ItemContextPayload struct {
	ItemIndex       int    `json:"itemIndex"`
	Total           int    `json:"total"`
	Title           string `json:"title"`
	EnableChatInput bool   `json:"enableChatInput"`
}

// WidgetShowPayload instructs the client to render a widget.
type WidgetShowPayload struct {
	ItemID     string          `json:"itemId"`
	WidgetID   string          `json:"widgetId"`
	WidgetType string          `json:"widget_type"`
	Props      json.RawMessage `json:"props"`
}

// ExpirationWarningPayload warns that a widget time limit is near.
type ExpirationWarningPayload struct {
	ItemID           string `json:"itemId"`
	Message          string `json:"message"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

// ClientMessagePayload is a user chat turn.
type ClientMessagePayload struct {
	Content string `json:"content"`
}

// WidgetResponsePayload is the user's answer to a widget.
type WidgetResponsePayload struct {
	WidgetID string          `json:"widgetId"`
	ItemID   string          `json:"itemId"`
	Value    json.RawMessage `json:"value"`
}

// ModelChangePayload requests a model or provider switch. ModelID may be
// bare ("gpt-4o") or qualified ("openai:gpt-4o").
type ModelChangePayload struct {
	ModelID string `json:"modelId"`
}

// NewFrame builds a frame with a marshaled payload. payload must be one of
// the JSON-marshalable payload structs in this package.
func NewFrame(frameType, conversationID string, payload any) Frame {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Frame{
		Type:           frameType,
		Payload:        raw,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	}
}
