package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/eventstore"
	"github.com/parleyhq/parley/internal/observability"
)

// ConsumerName keys the projector's persisted position in the event store.
const ConsumerName = "catalog-projector"

// TopicToolsUpdated is the pub/sub topic nudging SSE subscribers to re-pull
// their tool manifests.
const TopicToolsUpdated = "tools_updated"

// Options configure a projector.
type Options struct {
	Store   eventstore.Store
	Catalog *Catalog

	// Bus, when set, receives TopicToolsUpdated notifications whenever a
	// fold changes any group resolution or the policy set.
	Bus cache.Bus

	// Interval paces the periodic reconcile loop in Run. Default 5s.
	Interval time.Duration

	// BatchSize bounds one reconcile read. Default 256.
	BatchSize int

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Projector folds catalog events into the read model. Live events arrive
// through the mediator; the reconciler covers whatever the mediator missed
// (restarts, other writers against the same store).
type Projector struct {
	store     eventstore.Store
	catalog   *Catalog
	bus       cache.Bus
	interval  time.Duration
	batchSize int
	metrics   *observability.Metrics
	logger    *observability.Logger
}

func NewProjector(opts Options) *Projector {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 256
	}
	return &Projector{
		store:     opts.Store,
		catalog:   opts.Catalog,
		bus:       opts.Bus,
		interval:  interval,
		batchSize: batch,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// Register wires the projector into the mediator's fan-out for the four
// catalog aggregate types.
func (p *Projector) Register(m *eventstore.Mediator) {
	for _, aggType := range []string{
		catalog.SourceAggregateType,
		catalog.ToolAggregateType,
		catalog.GroupAggregateType,
		catalog.PolicyAggregateType,
	} {
		m.Subscribe(aggType, p.HandleEvent)
	}
}

// HandleEvent folds one live event. Durable progress belongs to the
// reconciler; the live path only keeps the in-memory model fresh, and the
// per-stream applied check makes the eventual re-read a no-op.
func (p *Projector) HandleEvent(ctx context.Context, ev eventstore.Event) {
	if p.catalog.fold(ev) {
		p.notify(ctx)
	}
}

// Reconcile streams events from the persisted position to the head and
// folds them. Called on startup and periodically by Run.
func (p *Projector) Reconcile(ctx context.Context) error {
	pos, err := p.store.GetPosition(ctx, ConsumerName)
	if err != nil {
		return fmt.Errorf("load projector position: %w", err)
	}
	if pos > p.catalog.Position() {
		// The in-memory model is behind its own persisted position
		// (fresh process). Replay from zero to rebuild state, then
		// continue past the stored position.
		p.catalog.reset()
		pos = 0
	}

	changed := false
	for {
		events, err := p.store.ReadAll(ctx, pos, p.batchSize)
		if err != nil {
			return fmt.Errorf("read events from %d: %w", pos, err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if p.catalog.fold(ev) {
				changed = true
			}
			pos = ev.GlobalPos
		}
	}

	if err := p.store.SetPosition(ctx, ConsumerName, p.catalog.Position()); err != nil {
		return fmt.Errorf("persist projector position: %w", err)
	}
	if changed {
		p.notify(ctx)
	}
	p.recordLag(ctx)
	return nil
}

// Rebuild discards the read model and replays the full log from position
// zero.
func (p *Projector) Rebuild(ctx context.Context) error {
	p.catalog.reset()
	if err := p.store.SetPosition(ctx, ConsumerName, 0); err != nil {
		return fmt.Errorf("reset projector position: %w", err)
	}
	return p.Reconcile(ctx)
}

// Run reconciles on the configured interval until the context ends.
func (p *Projector) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reconcile(ctx); err != nil && p.logger != nil {
				p.logger.Warn(ctx, "projection reconcile failed", "error", err)
			}
		}
	}
}

func (p *Projector) notify(ctx context.Context) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, TopicToolsUpdated, []byte(`{}`)); err != nil && p.logger != nil {
		p.logger.Warn(ctx, "tools_updated publish failed", "error", err)
	}
}

func (p *Projector) recordLag(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	head, err := p.store.HeadPosition(ctx)
	if err != nil {
		return
	}
	lag := head - p.catalog.Position()
	if lag < 0 {
		lag = 0
	}
	p.metrics.SetProjectionLag("catalog", float64(lag))
}
