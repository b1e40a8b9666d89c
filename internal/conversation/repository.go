package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/eventstore"
)

// ErrNotFound is returned when a conversation stream has no events.
var ErrNotFound = errors.New("conversation: not found")

// Repository loads and saves conversation aggregates against the event store.
type Repository struct {
	store eventstore.Store
}

// NewRepository wraps a store. Pass a PublishingStore so saves notify
// subscribers.
func NewRepository(store eventstore.Store) *Repository {
	return &Repository{store: store}
}

// Load rebuilds the aggregate by folding its stream.
func (r *Repository) Load(ctx context.Context, id string) (*Conversation, error) {
	events, err := r.store.Load(ctx, AggregateType, id)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := &Conversation{}
	for _, ev := range events {
		c.Apply(ev)
	}
	return c, nil
}

// Save appends the aggregate's uncommitted events at its expected version.
// eventstore.ErrVersionConflict surfaces unchanged so callers can reload and
// retry the command.
func (r *Repository) Save(ctx context.Context, c *Conversation) error {
	pending := c.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}
	if _, err := r.store.Append(ctx, AggregateType, c.ID, c.Version(), pending); err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	c.markCommitted(len(pending))
	return nil
}

// Exists reports whether a conversation stream exists, regardless of its
// deleted status.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	events, err := r.store.Load(ctx, AggregateType, id)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}
