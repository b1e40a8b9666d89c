package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]Event
	log       []Event
	positions map[string]int64
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Event),
		positions: make(map[string]int64),
	}
}

// Load returns all events of one stream in version order.
func (s *MemoryStore) Load(_ context.Context, aggregateType, aggregateID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[StreamName(aggregateType, aggregateID)]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}

// Append commits events with an optimistic expected-version check.
func (s *MemoryStore) Append(_ context.Context, aggregateType, aggregateID string, expectedVersion int64, events []EventData) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := StreamName(aggregateType, aggregateID)
	stream := s.streams[name]
	current := int64(len(stream))
	if expectedVersion != ExpectedAny && current != expectedVersion {
		return nil, ErrVersionConflict
	}

	now := time.Now().UTC()
	committed := make([]Event, 0, len(events))
	for i, data := range events {
		ev := Event{
			GlobalPos:     int64(len(s.log)) + 1,
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Version:       current + int64(i) + 1,
			Type:          data.Type,
			Payload:       data.Payload,
			RecordedAt:    now,
		}
		s.log = append(s.log, ev)
		committed = append(committed, ev)
	}
	s.streams[name] = append(stream, committed...)
	return committed, nil
}

// ReadAll returns up to limit events past fromPos in global order.
func (s *MemoryStore) ReadAll(_ context.Context, fromPos int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPos < 0 {
		fromPos = 0
	}
	if fromPos >= int64(len(s.log)) {
		return nil, nil
	}
	tail := s.log[fromPos:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

// HeadPosition returns the highest committed global position.
func (s *MemoryStore) HeadPosition(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

// GetPosition returns a consumer's stored position, zero when unknown.
func (s *MemoryStore) GetPosition(_ context.Context, consumer string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[consumer], nil
}

// SetPosition stores a consumer's position.
func (s *MemoryStore) SetPosition(_ context.Context, consumer string, pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[consumer] = pos
	return nil
}

// Close releases nothing; it exists to satisfy Store.
func (s *MemoryStore) Close() error {
	return nil
}
