package models

import "time"

// UpstreamSource is the catalog's view of one registered descriptor
// endpoint (an OpenAPI document or an MCP manifest).
type UpstreamSource struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	DescriptorURL       string       `json:"descriptor_url"`
	Type                SourceType   `json:"source_type"`
	Auth                AuthConfig   `json:"auth_config"`
	DefaultAudience     string       `json:"default_audience,omitempty"`
	Health              SourceHealth `json:"health"`
	InventoryHash       string       `json:"inventory_hash,omitempty"`
	InventoryCount      int          `json:"inventory_count"`
	IsEnabled           bool         `json:"is_enabled"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSyncedAt        time.Time    `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// SourceTool is a discovered tool's catalog state: the normalized
// definition plus the lifecycle flags sync and operators manage.
type SourceTool struct {
	Definition     ToolDefinition `json:"definition"`
	SourceID       string         `json:"source_id"`
	LabelIDs       []string       `json:"label_ids,omitempty"`
	IsEnabled      bool           `json:"is_enabled"`
	Status         ToolStatus     `json:"status"`
	DefinitionHash string         `json:"definition_hash"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Callable reports whether the tool itself admits calls; the owning
// source's enablement and group membership are checked separately.
func (t SourceTool) Callable() bool {
	return t.IsEnabled && t.Status == ToolStatusActive
}

// ToolSelector matches tools into a group by pattern. Patterns are glob
// by default; a "regex:" prefix switches to a regular expression. All
// matching is case-insensitive. Empty patterns match everything.
type ToolSelector struct {
	SourcePattern    string   `json:"source_pattern,omitempty"`
	NamePattern      string   `json:"name_pattern,omitempty"`
	PathPattern      string   `json:"path_pattern,omitempty"`
	MethodPattern    string   `json:"method_pattern,omitempty"`
	RequiredTags     []string `json:"required_tags,omitempty"`
	ExcludedTags     []string `json:"excluded_tags,omitempty"`
	RequiredLabelIDs []string `json:"required_label_ids,omitempty"`
}

// ToolGroup names a grantable set of tools. Membership is the union of
// selector matches and explicit ids, minus exclusions.
type ToolGroup struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Selectors       []ToolSelector `json:"selectors,omitempty"`
	ExplicitToolIDs []string       `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs []string       `json:"excluded_tool_ids,omitempty"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MatcherOperator is the comparison a ClaimMatcher applies.
type MatcherOperator string

const (
	OpEquals      MatcherOperator = "equals"
	OpNotEquals   MatcherOperator = "not_equals"
	OpContains    MatcherOperator = "contains"
	OpNotContains MatcherOperator = "not_contains"
	OpMatches     MatcherOperator = "matches"
	OpIn          MatcherOperator = "in"
	OpNotIn       MatcherOperator = "not_in"
	OpExists      MatcherOperator = "exists"
)

// ClaimMatcher is one rule inside an access policy: resolve JSONPath
// against the caller's claims and compare with Value. A missing claim
// fails every operator except exists.
type ClaimMatcher struct {
	JSONPath string          `json:"json_path"`
	Operator MatcherOperator `json:"operator"`
	Value    string          `json:"value,omitempty"`
}

// AccessPolicy grants tool groups to callers whose claims satisfy every
// matcher. Policies are evaluated in descending priority and their grants
// are unioned.
type AccessPolicy struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ClaimMatchers   []ClaimMatcher `json:"claim_matchers,omitempty"`
	AllowedGroupIDs []string       `json:"allowed_group_ids,omitempty"`
	Priority        int            `json:"priority"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
