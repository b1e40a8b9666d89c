// Package catalog holds the event-sourced write model of the tools
// provider: upstream sources, the tools discovered from them, tool groups,
// and access policies. Aggregates follow the conversation pattern: guarded
// commands record events, state is the fold of the stream.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Aggregate type names; each becomes a stream prefix.
const (
	SourceAggregateType = "source"
	ToolAggregateType   = "source_tool"
	GroupAggregateType  = "tool_group"
	PolicyAggregateType = "access_policy"
)

// Source events.
const (
	EventSourceRegistered    = "SourceRegistered"
	EventSourceSyncSucceeded = "SourceSyncSucceeded"
	EventSourceSyncFailed    = "SourceSyncFailed"
	EventSourceEnabled       = "SourceEnabled"
	EventSourceDisabled      = "SourceDisabled"
	EventSourceAuthUpdated   = "SourceAuthUpdated"
)

// Tool events.
const (
	EventToolDiscovered        = "ToolDiscovered"
	EventToolDefinitionUpdated = "ToolDefinitionUpdated"
	EventToolEnabled           = "ToolEnabled"
	EventToolDisabled          = "ToolDisabled"
	EventToolDeprecated        = "ToolDeprecated"
	EventToolRestored          = "ToolRestored"
	EventToolLabelAdded        = "ToolLabelAdded"
	EventToolLabelRemoved      = "ToolLabelRemoved"
)

// Group events.
const (
	EventGroupCreated          = "GroupCreated"
	EventGroupSelectorsChanged = "GroupSelectorsChanged"
	EventGroupToolIncluded     = "GroupToolIncluded"
	EventGroupToolUnincluded   = "GroupToolUnincluded"
	EventGroupToolExcluded     = "GroupToolExcluded"
	EventGroupToolUnexcluded   = "GroupToolUnexcluded"
	EventGroupActivated        = "GroupActivated"
	EventGroupDeactivated      = "GroupDeactivated"
)

// Policy events.
const (
	EventPolicyDefined     = "PolicyDefined"
	EventPolicyUpdated     = "PolicyUpdated"
	EventPolicyActivated   = "PolicyActivated"
	EventPolicyDeactivated = "PolicyDeactivated"
)

type eventMeta struct {
	SchemaVersion int `json:"schema_version"`
}

func newMeta() eventMeta {
	return eventMeta{SchemaVersion: 1}
}

type SourceRegisteredPayload struct {
	eventMeta
	SourceID        string            `json:"source_id"`
	Name            string            `json:"name"`
	DescriptorURL   string            `json:"descriptor_url"`
	SourceType      models.SourceType `json:"source_type"`
	Auth            models.AuthConfig `json:"auth_config"`
	DefaultAudience string            `json:"default_audience,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`
}

type SourceSyncSucceededPayload struct {
	eventMeta
	InventoryHash  string    `json:"inventory_hash"`
	InventoryCount int       `json:"inventory_count"`
	SourceVersion  string    `json:"source_version,omitempty"`
	SyncedAt       time.Time `json:"synced_at"`
}

type SourceSyncFailedPayload struct {
	eventMeta
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type SourceEnabledPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type SourceDisabledPayload struct {
	eventMeta
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type SourceAuthUpdatedPayload struct {
	eventMeta
	Auth models.AuthConfig `json:"auth_config"`
	At   time.Time         `json:"at"`
}

type ToolDiscoveredPayload struct {
	eventMeta
	SourceID       string                `json:"source_id"`
	Definition     models.ToolDefinition `json:"definition"`
	DefinitionHash string                `json:"definition_hash"`
	DiscoveredAt   time.Time             `json:"discovered_at"`
}

type ToolDefinitionUpdatedPayload struct {
	eventMeta
	Definition     models.ToolDefinition `json:"definition"`
	DefinitionHash string                `json:"definition_hash"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

type ToolEnabledPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type ToolDisabledPayload struct {
	eventMeta
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ToolDeprecatedPayload marks a tool gone from its source inventory.
// Deprecation forces is_enabled=false.
type ToolDeprecatedPayload struct {
	eventMeta
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ToolRestoredPayload reverses a deprecation and re-enables the tool.
type ToolRestoredPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type ToolLabelAddedPayload struct {
	eventMeta
	LabelID string `json:"label_id"`
}

type ToolLabelRemovedPayload struct {
	eventMeta
	LabelID string `json:"label_id"`
}

type GroupCreatedPayload struct {
	eventMeta
	GroupID     string    `json:"group_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type GroupSelectorsChangedPayload struct {
	eventMeta
	Selectors []models.ToolSelector `json:"selectors"`
	At        time.Time             `json:"at"`
}

type GroupToolIncludedPayload struct {
	eventMeta
	ToolID string `json:"tool_id"`
}

type GroupToolUnincludedPayload struct {
	eventMeta
	ToolID string `json:"tool_id"`
}

type GroupToolExcludedPayload struct {
	eventMeta
	ToolID string `json:"tool_id"`
}

type GroupToolUnexcludedPayload struct {
	eventMeta
	ToolID string `json:"tool_id"`
}

type GroupActivatedPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type GroupDeactivatedPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type PolicyDefinedPayload struct {
	eventMeta
	PolicyID        string                `json:"policy_id"`
	Name            string                `json:"name"`
	ClaimMatchers   []models.ClaimMatcher `json:"claim_matchers,omitempty"`
	AllowedGroupIDs []string              `json:"allowed_group_ids,omitempty"`
	Priority        int                   `json:"priority"`
	DefinedAt       time.Time             `json:"defined_at"`
}

type PolicyUpdatedPayload struct {
	eventMeta
	ClaimMatchers   []models.ClaimMatcher `json:"claim_matchers,omitempty"`
	AllowedGroupIDs []string              `json:"allowed_group_ids,omitempty"`
	Priority        int                   `json:"priority"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type PolicyActivatedPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

type PolicyDeactivatedPayload struct {
	eventMeta
	At time.Time `json:"at"`
}

// decode unmarshals a payload, reporting success. Aggregates skip events
// whose payloads fail to decode so old streams survive shape changes.
func decode(payload json.RawMessage, into any) bool {
	return json.Unmarshal(payload, into) == nil
}
