package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/pkg/models"
)

var ErrSourceDisabled = errors.New("catalog: source is disabled")

// Source is the UpstreamSource aggregate: one registered descriptor
// endpoint and its sync lifecycle.
type Source struct {
	State models.UpstreamSource

	version     int64
	uncommitted []eventstore.EventData
}

// RegisterSource creates a source aggregate and records SourceRegistered.
// Sources start enabled with unknown health until the first sync.
func RegisterSource(id, name, descriptorURL string, sourceType models.SourceType, auth models.AuthConfig, defaultAudience string) *Source {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Source{}
	s.record(EventSourceRegistered, SourceRegisteredPayload{
		eventMeta:       newMeta(),
		SourceID:        id,
		Name:            name,
		DescriptorURL:   descriptorURL,
		SourceType:      sourceType,
		Auth:            auth,
		DefaultAudience: defaultAudience,
		RegisteredAt:    time.Now().UTC(),
	})
	return s
}

func (s *Source) ID() string     { return s.State.ID }
func (s *Source) Version() int64 { return s.version }

func (s *Source) UncommittedEvents() []eventstore.EventData { return s.uncommitted }

func (s *Source) markCommitted(n int) {
	s.uncommitted = s.uncommitted[n:]
	s.version += int64(n)
}

// RecordSyncSuccess notes a completed inventory fetch. The failure counter
// resets and health returns to healthy.
func (s *Source) RecordSyncSuccess(inventoryHash string, inventoryCount int, sourceVersion string) {
	s.record(EventSourceSyncSucceeded, SourceSyncSucceededPayload{
		eventMeta:      newMeta(),
		InventoryHash:  inventoryHash,
		InventoryCount: inventoryCount,
		SourceVersion:  sourceVersion,
		SyncedAt:       time.Now().UTC(),
	})
}

// RecordSyncFailure notes a failed fetch. Health degrades with consecutive
// failures.
func (s *Source) RecordSyncFailure(errText string) {
	s.record(EventSourceSyncFailed, SourceSyncFailedPayload{
		eventMeta: newMeta(),
		Error:     errText,
		FailedAt:  time.Now().UTC(),
	})
}

// Enable re-admits the source's tools to the catalog. Enabling an enabled
// source records nothing.
func (s *Source) Enable() {
	if s.State.IsEnabled {
		return
	}
	s.record(EventSourceEnabled, SourceEnabledPayload{eventMeta: newMeta(), At: time.Now().UTC()})
}

// Disable removes the source's tools from every resolved manifest without
// touching the tools themselves. Idempotent.
func (s *Source) Disable(reason string) {
	if !s.State.IsEnabled {
		return
	}
	s.record(EventSourceDisabled, SourceDisabledPayload{eventMeta: newMeta(), Reason: reason, At: time.Now().UTC()})
}

// UpdateAuth replaces the descriptor-fetch credentials.
func (s *Source) UpdateAuth(auth models.AuthConfig) {
	s.record(EventSourceAuthUpdated, SourceAuthUpdatedPayload{eventMeta: newMeta(), Auth: auth, At: time.Now().UTC()})
}

func (s *Source) record(eventType string, payload any) {
	data := eventstore.MarshalPayload(eventType, payload)
	s.uncommitted = append(s.uncommitted, data)
	s.apply(eventType, data.Payload)
}

// Apply folds one committed event; exported for replay.
func (s *Source) Apply(ev eventstore.Event) {
	s.apply(ev.Type, ev.Payload)
	s.version = ev.Version
}

func (s *Source) apply(eventType string, payload []byte) {
	switch eventType {
	case EventSourceRegistered:
		var p SourceRegisteredPayload
		if !decode(payload, &p) {
			return
		}
		s.State = models.UpstreamSource{
			ID:              p.SourceID,
			Name:            p.Name,
			DescriptorURL:   p.DescriptorURL,
			Type:            p.SourceType,
			Auth:            p.Auth,
			DefaultAudience: p.DefaultAudience,
			Health:          models.SourceUnknown,
			IsEnabled:       true,
			CreatedAt:       p.RegisteredAt,
			UpdatedAt:       p.RegisteredAt,
		}

	case EventSourceSyncSucceeded:
		var p SourceSyncSucceededPayload
		if !decode(payload, &p) {
			return
		}
		s.State.InventoryHash = p.InventoryHash
		s.State.InventoryCount = p.InventoryCount
		s.State.ConsecutiveFailures = 0
		s.State.Health = models.HealthFromFailures(0)
		s.State.LastSyncedAt = p.SyncedAt
		s.State.UpdatedAt = p.SyncedAt

	case EventSourceSyncFailed:
		var p SourceSyncFailedPayload
		if !decode(payload, &p) {
			return
		}
		s.State.ConsecutiveFailures++
		s.State.Health = models.HealthFromFailures(s.State.ConsecutiveFailures)
		s.State.UpdatedAt = p.FailedAt

	case EventSourceEnabled:
		var p SourceEnabledPayload
		if !decode(payload, &p) {
			return
		}
		s.State.IsEnabled = true
		s.State.UpdatedAt = p.At

	case EventSourceDisabled:
		var p SourceDisabledPayload
		if !decode(payload, &p) {
			return
		}
		s.State.IsEnabled = false
		s.State.UpdatedAt = p.At

	case EventSourceAuthUpdated:
		var p SourceAuthUpdatedPayload
		if !decode(payload, &p) {
			return
		}
		s.State.Auth = p.Auth
		s.State.UpdatedAt = p.At
	}
}
