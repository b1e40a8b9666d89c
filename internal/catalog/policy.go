package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

// Policy is the AccessPolicy aggregate: matchers ANDed, group grants
// unioned across policies by the resolver.
type Policy struct {
	State models.AccessPolicy

	version     int64
	uncommitted []eventstore.EventData
}

// DefinePolicy creates a policy aggregate. Policies start active.
func DefinePolicy(id, name string, matchers []models.ClaimMatcher, groupIDs []string, priority int) *Policy {
	if id == "" {
		id = uuid.NewString()
	}
	p := &Policy{}
	p.record(EventPolicyDefined, PolicyDefinedPayload{
		eventMeta:       newMeta(),
		PolicyID:        id,
		Name:            name,
		ClaimMatchers:   matchers,
		AllowedGroupIDs: groupIDs,
		Priority:        priority,
		DefinedAt:       time.Now().UTC(),
	})
	return p
}

func (p *Policy) ID() string     { return p.State.ID }
func (p *Policy) Version() int64 { return p.version }

func (p *Policy) UncommittedEvents() []eventstore.EventData { return p.uncommitted }

func (p *Policy) markCommitted(n int) {
	p.uncommitted = p.uncommitted[n:]
	p.version += int64(n)
}

// Update replaces matchers, grants, and priority together.
func (p *Policy) Update(matchers []models.ClaimMatcher, groupIDs []string, priority int) {
	p.record(EventPolicyUpdated, PolicyUpdatedPayload{
		eventMeta:       newMeta(),
		ClaimMatchers:   matchers,
		AllowedGroupIDs: groupIDs,
		Priority:        priority,
		UpdatedAt:       time.Now().UTC(),
	})
}

// Activate is idempotent.
func (p *Policy) Activate() {
	if p.State.IsActive {
		return
	}
	p.record(EventPolicyActivated, PolicyActivatedPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

// Deactivate is idempotent.
func (p *Policy) Deactivate() {
	if !p.State.IsActive {
		return
	}
	p.record(EventPolicyDeactivated, PolicyDeactivatedPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

func (p *Policy) record(eventType string, payload any) {
	data := eventstore.MarshalPayload(eventType, payload)
	p.uncommitted = append(p.uncommitted, data)
	p.apply(eventType, data.Payload)
}

// Apply folds one committed event; exported for replay.
func (p *Policy) Apply(ev eventstore.Event) {
	p.apply(ev.Type, ev.Payload)
	p.version = ev.Version
}

func (p *Policy) apply(eventType string, payload []byte) {
	switch eventType {
	case EventPolicyDefined:
		var pl PolicyDefinedPayload
		if !decode(payload, &pl) {
			return
		}
		p.State = models.AccessPolicy{
			ID:              pl.PolicyID,
			Name:            pl.Name,
			ClaimMatchers:   pl.ClaimMatchers,
			AllowedGroupIDs: pl.AllowedGroupIDs,
			Priority:        pl.Priority,
			IsActive:        true,
			CreatedAt:       pl.DefinedAt,
			UpdatedAt:       pl.DefinedAt,
		}

	case EventPolicyUpdated:
		var pl PolicyUpdatedPayload
		if !decode(payload, &pl) {
			return
		}
		p.State.ClaimMatchers = pl.ClaimMatchers
		p.State.AllowedGroupIDs = pl.AllowedGroupIDs
		p.State.Priority = pl.Priority
		p.State.UpdatedAt = pl.UpdatedAt

	case EventPolicyActivated:
		var pl PolicyActivatedPayload
		if !decode(payload, &pl) {
			return
		}
		p.State.IsActive = true
		p.State.UpdatedAt = pl.At

	case EventPolicyDeactivated:
		var pl PolicyDeactivatedPayload
		if !decode(payload, &pl) {
			return
		}
		p.State.IsActive = false
		p.State.UpdatedAt = pl.At
	}
}
