package catalog

import (
	"time"

	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Tool is the SourceTool aggregate, identified by "{source_id}:{operation_id}".
type Tool struct {
	State models.SourceTool

	version     int64
	uncommitted []eventstore.EventData
}

// DiscoverTool creates a tool aggregate for a definition seen during sync.
// Discovered tools start enabled and active.
func DiscoverTool(sourceID string, def models.ToolDefinition, definitionHash string) *Tool {
	t := &Tool{}
	t.record(EventToolDiscovered, ToolDiscoveredPayload{
		eventMeta:      newMeta(),
		SourceID:       sourceID,
		Definition:     def,
		DefinitionHash: definitionHash,
		DiscoveredAt:   time.Now().UTC(),
	})
	return t
}

func (t *Tool) ID() string     { return t.State.Definition.ID }
func (t *Tool) Version() int64 { return t.version }

func (t *Tool) UncommittedEvents() []eventstore.EventData { return t.uncommitted }

func (t *Tool) markCommitted(n int) {
	t.uncommitted = t.uncommitted[n:]
	t.version += int64(n)
}

// UpdateDefinition replaces the normalized definition when a sync sees a
// changed hash. An unchanged hash records nothing.
func (t *Tool) UpdateDefinition(def models.ToolDefinition, definitionHash string) {
	if definitionHash == t.State.DefinitionHash {
		return
	}
	t.record(EventToolDefinitionUpdated, ToolDefinitionUpdatedPayload{
		eventMeta:      newMeta(),
		Definition:     def,
		DefinitionHash: definitionHash,
		UpdatedAt:      time.Now().UTC(),
	})
}

// Enable is idempotent; enabling an enabled tool records nothing.
func (t *Tool) Enable() {
	if t.State.IsEnabled {
		return
	}
	t.record(EventToolEnabled, ToolEnabledPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

// Disable is idempotent.
func (t *Tool) Disable(reason string) {
	if !t.State.IsEnabled {
		return
	}
	t.record(EventToolDisabled, ToolDisabledPayload{eventMeta: newMeta(), Reason: reason, At: time.Now().UTC()})
}

// Deprecate marks the tool absent from its source inventory and forces it
// disabled. Deprecating a deprecated tool records nothing.
func (t *Tool) Deprecate(reason string) {
	if t.State.Status == models.ToolStatusDeprecated {
		return
	}
	t.record(EventToolDeprecated, ToolDeprecatedPayload{eventMeta: newMeta(), Reason: reason, At: time.Now().UTC()})
}

// Restore reverses a deprecation and re-enables the tool. Restoring an
// active tool records nothing.
func (t *Tool) Restore() {
	if t.State.Status == models.ToolStatusActive {
		return
	}
	t.record(EventToolRestored, ToolRestoredPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

// AddLabel attaches a label id; duplicates record nothing.
func (t *Tool) AddLabel(labelID string) {
	for _, id := range t.State.LabelIDs {
		if id == labelID {
			return
		}
	}
	t.record(EventToolLabelAdded, ToolLabelAddedPayload{eventMeta: newMeta(), LabelID: labelID})
}

// RemoveLabel detaches a label id; absent labels record nothing.
func (t *Tool) RemoveLabel(labelID string) {
	for _, id := range t.State.LabelIDs {
		if id == labelID {
			t.record(EventToolLabelRemoved, ToolLabelRemovedPayload{eventMeta: newMeta(), LabelID: labelID})
			return
		}
	}
}

func (t *Tool) record(eventType string, payload any) {
	data := eventstore.MarshalPayload(eventType, payload)
	t.uncommitted = append(t.uncommitted, data)
	t.apply(eventType, data.Payload)
}

// Apply folds one committed event; exported for replay.
func (t *Tool) Apply(ev eventstore.Event) {
	t.apply(ev.Type, ev.Payload)
	t.version = ev.Version
}

func (t *Tool) apply(eventType string, payload []byte) {
	switch eventType {
	case EventToolDiscovered:
		var p ToolDiscoveredPayload
		if !decode(payload, &p) {
			return
		}
		t.State = models.SourceTool{
			Definition:     p.Definition,
			SourceID:       p.SourceID,
			IsEnabled:      true,
			Status:         models.ToolStatusActive,
			DefinitionHash: p.DefinitionHash,
			CreatedAt:      p.DiscoveredAt,
			UpdatedAt:      p.DiscoveredAt,
		}

	case EventToolDefinitionUpdated:
		var p ToolDefinitionUpdatedPayload
		if !decode(payload, &p) {
			return
		}
		t.State.Definition = p.Definition
		t.State.DefinitionHash = p.DefinitionHash
		t.State.UpdatedAt = p.UpdatedAt

	case EventToolEnabled:
		var p ToolEnabledPayload
		if !decode(payload, &p) {
			return
		}
		t.State.IsEnabled = true
		t.State.UpdatedAt = p.At

	case EventToolDisabled:
		var p ToolDisabledPayload
		if !decode(payload, &p) {
			return
		}
		t.State.IsEnabled = false
		t.State.UpdatedAt = p.At

	case EventToolDeprecated:
		var p ToolDeprecatedPayload
		if !decode(payload, &p) {
			return
		}
		t.State.Status = models.ToolStatusDeprecated
		t.State.IsEnabled = false
		t.State.UpdatedAt = p.At

	case EventToolRestored:
		var p ToolRestoredPayload
		if !decode(payload, &p) {
			return
		}
		t.State.Status = models.ToolStatusActive
		t.State.IsEnabled = true
		t.State.UpdatedAt = p.At

	case EventToolLabelAdded:
		var p ToolLabelAddedPayload
		if !decode(payload, &p) {
			return
		}
		t.State.LabelIDs = append(t.State.LabelIDs, p.LabelID)

	case EventToolLabelRemoved:
		var p ToolLabelRemovedPayload
		if !decode(payload, &p) {
			return
		}
		kept := t.State.LabelIDs[:0]
		for _, id := range t.State.LabelIDs {
			if id != p.LabelID {
				kept = append(kept, id)
			}
		}
		t.State.LabelIDs = kept
	}
}
