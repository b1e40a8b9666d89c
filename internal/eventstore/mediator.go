package eventstore

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/observability"
)

// Handler receives committed events. Handlers must not assume delivery order
// across aggregates and must tolerate redelivery: the projector also replays
// from the log on reconcile.
type Handler func(ctx context.Context, ev Event)

// Mediator fans committed events out to process-local subscribers. Publishing
// happens after the store commit, so a crash between commit and publish loses
// only the notification; the reconcile pass picks the events up from the log.
type Mediator struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // keyed by aggregate type; "" means all
	logger   *observability.Logger
}

// NewMediator creates an empty mediator.
func NewMediator(logger *observability.Logger) *Mediator {
	return &Mediator{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one aggregate type. An empty type
// subscribes to every event.
func (m *Mediator) Subscribe(aggregateType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[aggregateType] = append(m.handlers[aggregateType], h)
}

// Publish delivers events to matching handlers in registration order. Handler
// panics are contained so one bad subscriber cannot take down the publisher.
func (m *Mediator) Publish(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range events {
		for _, h := range m.handlers[ev.AggregateType] {
			m.deliver(ctx, h, ev)
		}
		for _, h := range m.handlers[""] {
			m.deliver(ctx, h, ev)
		}
	}
}

func (m *Mediator) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error(ctx, "event handler panicked",
				"event_type", ev.Type,
				"aggregate_type", ev.AggregateType,
				"aggregate_id", ev.AggregateID,
				"panic", r)
		}
	}()
	h(ctx, ev)
}

// PublishingStore decorates a Store so every successful Append is published
// to the mediator. This is the write path both services use.
type PublishingStore struct {
	Store
	mediator *Mediator
	metrics  *observability.Metrics
}

// NewPublishingStore wraps store with mediator fan-out. metrics may be nil.
func NewPublishingStore(store Store, mediator *Mediator, metrics *observability.Metrics) *PublishingStore {
	return &PublishingStore{Store: store, mediator: mediator, metrics: metrics}
}

// Append commits and then publishes.
func (p *PublishingStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []EventData) ([]Event, error) {
	committed, err := p.Store.Append(ctx, aggregateType, aggregateID, expectedVersion, events)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		for range committed {
			p.metrics.RecordEventAppended(aggregateType)
		}
	}
	p.mediator.Publish(ctx, committed)
	return committed, nil
}
