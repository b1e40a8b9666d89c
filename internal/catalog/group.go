package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Group is the ToolGroup aggregate: a grantable, selector-driven bundle of
// tools. Its resolved membership lives in the projection, not here.
type Group struct {
	State models.ToolGroup

	version     int64
	uncommitted []eventstore.EventData
}

// CreateGroup starts a group. Groups start active with no selectors.
func CreateGroup(id, name, description string) *Group {
	if id == "" {
		id = uuid.NewString()
	}
	g := &Group{}
	g.record(EventGroupCreated, GroupCreatedPayload{
		eventMeta:   newMeta(),
		GroupID:     id,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return g
}

func (g *Group) ID() string     { return g.State.ID }
func (g *Group) Version() int64 { return g.version }

func (g *Group) UncommittedEvents() []eventstore.EventData { return g.uncommitted }

func (g *Group) markCommitted(n int) {
	g.uncommitted = g.uncommitted[n:]
	g.version += int64(n)
}

// SetSelectors replaces the selector list wholesale.
func (g *Group) SetSelectors(selectors []models.ToolSelector) {
	g.record(EventGroupSelectorsChanged, GroupSelectorsChangedPayload{
		eventMeta: newMeta(),
		Selectors: selectors,
		At:        time.Now().UTC(),
	})
}

// IncludeTool adds an explicit member. Duplicates record nothing.
func (g *Group) IncludeTool(toolID string) {
	if containsString(g.State.ExplicitToolIDs, toolID) {
		return
	}
	g.record(EventGroupToolIncluded, GroupToolIncludedPayload{eventMeta: newMeta(), ToolID: toolID})
}

// UnincludeTool removes an explicit member; absent members record nothing.
func (g *Group) UnincludeTool(toolID string) {
	if !containsString(g.State.ExplicitToolIDs, toolID) {
		return
	}
	g.record(EventGroupToolUnincluded, GroupToolUnincludedPayload{eventMeta: newMeta(), ToolID: toolID})
}

// ExcludeTool bars a tool from the group even when a selector matches it.
func (g *Group) ExcludeTool(toolID string) {
	if containsString(g.State.ExcludedToolIDs, toolID) {
		return
	}
	g.record(EventGroupToolExcluded, GroupToolExcludedPayload{eventMeta: newMeta(), ToolID: toolID})
}

// UnexcludeTool lifts an exclusion; absent exclusions record nothing.
func (g *Group) UnexcludeTool(toolID string) {
	if !containsString(g.State.ExcludedToolIDs, toolID) {
		return
	}
	g.record(EventGroupToolUnexcluded, GroupToolUnexcludedPayload{eventMeta: newMeta(), ToolID: toolID})
}

// Activate is idempotent.
func (g *Group) Activate() {
	if g.State.IsActive {
		return
	}
	g.record(EventGroupActivated, GroupActivatedPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

// Deactivate is idempotent. An inactive group grants nothing regardless of
// policy references to it.
func (g *Group) Deactivate() {
	if !g.State.IsActive {
		return
	}
	g.record(EventGroupDeactivated, GroupDeactivatedPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

func (g *Group) record(eventType string, payload any) {
	data := eventstore.MarshalPayload(eventType, payload)
	g.uncommitted = append(g.uncommitted, data)
	g.apply(eventType, data.Payload)
}

// Apply folds one committed event; exported for replay.
func (g *Group) Apply(ev eventstore.Event) {
	g.apply(ev.Type, ev.Payload)
	g.version = ev.Version
}

func (g *Group) apply(eventType string, payload []byte) {
	switch eventType {
	case EventGroupCreated:
		var p GroupCreatedPayload
		if !decode(payload, &p) {
			return
		}
		g.State = models.ToolGroup{
			ID:          p.GroupID,
			Name:        p.Name,
			Description: p.Description,
			IsActive:    true,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.CreatedAt,
		}

	case EventGroupSelectorsChanged:
		var p GroupSelectorsChangedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.Selectors = p.Selectors
		g.State.UpdatedAt = p.At

	case EventGroupToolIncluded:
		var p GroupToolIncludedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.ExplicitToolIDs = append(g.State.ExplicitToolIDs, p.ToolID)

	case EventGroupToolUnincluded:
		var p GroupToolUnincludedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.ExplicitToolIDs = removeString(g.State.ExplicitToolIDs, p.ToolID)

	case EventGroupToolExcluded:
		var p GroupToolExcludedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.ExcludedToolIDs = append(g.State.ExcludedToolIDs, p.ToolID)

	case EventGroupToolUnexcluded:
		var p GroupToolUnexcludedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.ExcludedToolIDs = removeString(g.State.ExcludedToolIDs, p.ToolID)

	case EventGroupActivated:
		var p GroupActivatedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.IsActive = true
		g.State.UpdatedAt = p.At

	case EventGroupDeactivated:
		var p GroupDeactivatedPayload
		if !decode(payload, &p) {
			return
		}
		g.State.IsActive = false
		g.State.UpdatedAt = p.At
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	kept := list[:0]
	for _, item := range list {
		if item != v {
			kept = append(kept, item)
		}
	}
	return kept
}
