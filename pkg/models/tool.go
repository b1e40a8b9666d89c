package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SourceType identifies the descriptor format of an upstream source.
type SourceType string

const (
	SourceTypeOpenAPI SourceType = "openapi"
	SourceTypeMCP     SourceType = "mcp"
)

// SourceHealth is the computed health of an upstream source, derived from
// its consecutive sync failure counter.
type SourceHealth string

const (
	SourceHealthy   SourceHealth = "healthy"
	SourceDegraded  SourceHealth = "degraded"
	SourceUnhealthy SourceHealth = "unhealthy"
	SourceUnknown   SourceHealth = "unknown"
)

// HealthFromFailures maps a consecutive-failure count onto a health state.
func HealthFromFailures(failures int) SourceHealth {
	switch {
	case failures == 0:
		return SourceHealthy
	case failures < 3:
		return SourceDegraded
	default:
		return SourceUnhealthy
	}
}

// ToolStatus is the catalog lifecycle state of a discovered tool.
type ToolStatus string

const (
	ToolStatusActive     ToolStatus = "active"
	ToolStatusDeprecated ToolStatus = "deprecated"
)

// ExecutionMode selects how an execution profile is carried out.
type ExecutionMode string

const (
	// ModeSyncHTTP issues one HTTP request and returns its body.
	ModeSyncHTTP ExecutionMode = "sync_http"
	// ModeAsyncPoll issues an initial request then polls a status URL.
	ModeAsyncPoll ExecutionMode = "async_poll"
	// ModeMCP routes the call to a connected MCP session instead of HTTP.
	ModeMCP ExecutionMode = "mcp"
)

// PollConfig controls the async-poll execution mode.
type PollConfig struct {
	StatusURLTemplate  string   `json:"status_url_template"`
	StatusFieldPath    string   `json:"status_field_path"`
	ResultFieldPath    string   `json:"result_field_path,omitempty"`
	CompletedValues    []string `json:"completed_values"`
	FailedValues       []string `json:"failed_values"`
	MaxPollAttempts    int      `json:"max_poll_attempts"`
	PollInterval       float64  `json:"poll_interval_seconds"`
	BackoffMultiplier  float64  `json:"backoff_multiplier,omitempty"`
	MaxIntervalSeconds float64  `json:"max_interval_seconds,omitempty"`
}

// ExecutionProfile is the immutable recipe for invoking one upstream
// operation. Templates use {{ name }} interpolation with an optional
// "| tojson" filter; the Authorization header is always overwritten with the
// exchanged bearer token at execution time.
type ExecutionProfile struct {
	Mode             ExecutionMode     `json:"mode"`
	Method           string            `json:"method,omitempty"`
	URLTemplate      string            `json:"url_template,omitempty"`
	HeadersTemplate  map[string]string `json:"headers_template,omitempty"`
	BodyTemplate     string            `json:"body_template,omitempty"`
	ContentType      string            `json:"content_type,omitempty"`
	RequiredAudience string            `json:"required_audience,omitempty"`
	RequiredScopes   []string          `json:"required_scopes,omitempty"`
	TimeoutSeconds   float64           `json:"timeout_seconds,omitempty"`
	ResponseMapping  map[string]string `json:"response_mapping,omitempty"`
	Poll             *PollConfig       `json:"poll_config,omitempty"`

	// MCPServer names the MCP session that owns the tool when Mode is mcp.
	MCPServer string `json:"mcp_server,omitempty"`
	// MCPToolName is the upstream tool name inside the MCP session.
	MCPToolName string `json:"mcp_tool_name,omitempty"`
}

// Timeout returns the profile timeout as a duration, or def when unset.
func (p ExecutionProfile) Timeout(def time.Duration) time.Duration {
	if p.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// AuthConfig describes how the tools provider authenticates when fetching a
// source descriptor (not how tool calls authenticate; that is token
// exchange).
type AuthConfig struct {
	Type   string `json:"type"` // none, bearer, basic, header
	Token  string `json:"token,omitempty"`
	User   string `json:"user,omitempty"`
	Pass   string `json:"pass,omitempty"`
	Header string `json:"header,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ToolDefinition is the normalized description of one callable upstream
// operation, produced by a source adapter and persisted in the catalog.
type ToolDefinition struct {
	// ID is "{source_id}:{operation_id}".
	ID          string           `json:"id"`
	OperationID string           `json:"operation_id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema json.RawMessage  `json:"input_schema"`
	Profile     ExecutionProfile `json:"execution_profile"`
	Tags        []string         `json:"tags,omitempty"`
	SourcePath  string           `json:"source_path,omitempty"`
	Version     string           `json:"version,omitempty"`
}

// ToolID builds the canonical "{source_id}:{operation_id}" identity.
func ToolID(sourceID, operationID string) string {
	return sourceID + ":" + operationID
}

// SplitToolID splits a canonical tool id into source and operation parts.
func SplitToolID(id string) (sourceID, operationID string, err error) {
	i := strings.Index(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed tool id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// ToolManifest is the agent-facing view of one callable tool, as returned by
// GET /agent/tools.
type ToolManifest struct {
	ToolID      string          `json:"tool_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	SourceID    string          `json:"source_id"`
	SourcePath  string          `json:"source_path,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// CallStatus is the terminal status of one tool execution.
type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// CallRequest is the body of POST /agent/tools/call. Either ToolID or Name
// must be set; ToolID wins when both are present.
type CallRequest struct {
	ToolID    string          `json:"tool_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments"`
	RequestID string          `json:"request_id,omitempty"`
}

// CallResult is the response of POST /agent/tools/call.
type CallResult struct {
	ToolID          string          `json:"tool_id"`
	Status          CallStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	Details         *CallDetails    `json:"details,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	UpstreamStatus  int             `json:"upstream_status,omitempty"`
}

// CallDetails carries structured failure context alongside the error code.
type CallDetails struct {
	ValidationErrors []string `json:"validation_errors,omitempty"`
	AvailableKeys    []string `json:"available_keys,omitempty"`
}
