package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/eventstore"
)

// ErrNotFound is returned when an aggregate stream has no events.
var ErrNotFound = errors.New("catalog: not found")

// Repository loads and saves the catalog aggregates against the event
// store. One repository serves all four aggregate types; streams stay
// disjoint through their type prefixes.
type Repository struct {
	store eventstore.Store
}

// NewRepository wraps a store. Pass a PublishingStore so saves reach the
// projector.
func NewRepository(store eventstore.Store) *Repository {
	return &Repository{store: store}
}

// aggregate is the replay surface shared by all catalog aggregates.
type aggregate interface {
	Apply(eventstore.Event)
	Version() int64
	UncommittedEvents() []eventstore.EventData
}

func (r *Repository) load(ctx context.Context, aggType, id string, agg aggregate) error {
	events, err := r.store.Load(ctx, aggType, id)
	if err != nil {
		return fmt.Errorf("load %s %s: %w", aggType, id, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, aggType, id)
	}
	for _, ev := range events {
		agg.Apply(ev)
	}
	return nil
}

func (r *Repository) save(ctx context.Context, aggType, id string, agg aggregate, commit func(int)) error {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}
	if _, err := r.store.Append(ctx, aggType, id, agg.Version(), pending); err != nil {
		return fmt.Errorf("save %s %s: %w", aggType, id, err)
	}
	commit(len(pending))
	return nil
}

func (r *Repository) LoadSource(ctx context.Context, id string) (*Source, error) {
	s := &Source{}
	if err := r.load(ctx, SourceAggregateType, id, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) SaveSource(ctx context.Context, s *Source) error {
	return r.save(ctx, SourceAggregateType, s.ID(), s, s.markCommitted)
}

func (r *Repository) LoadTool(ctx context.Context, id string) (*Tool, error) {
	t := &Tool{}
	if err := r.load(ctx, ToolAggregateType, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) SaveTool(ctx context.Context, t *Tool) error {
	return r.save(ctx, ToolAggregateType, t.ID(), t, t.markCommitted)
}

func (r *Repository) LoadGroup(ctx context.Context, id string) (*Group, error) {
	g := &Group{}
	if err := r.load(ctx, GroupAggregateType, id, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Repository) SaveGroup(ctx context.Context, g *Group) error {
	return r.save(ctx, GroupAggregateType, g.ID(), g, g.markCommitted)
}

func (r *Repository) LoadPolicy(ctx context.Context, id string) (*Policy, error) {
	p := &Policy{}
	if err := r.load(ctx, PolicyAggregateType, id, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) SavePolicy(ctx context.Context, p *Policy) error {
	return r.save(ctx, PolicyAggregateType, p.ID(), p, p.markCommitted)
}
