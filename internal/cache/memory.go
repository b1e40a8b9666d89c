package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by a map with lazy expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	maxSize int
	closed  bool

	// now is replaceable for deterministic expiry tests.
	now func() time.Time
}

type memoryEntry struct {
	value []byte
	// expiresAt is zero for entries that never expire.
	expiresAt time.Time
}

// MemoryStoreOptions configures a MemoryStore.
type MemoryStoreOptions struct {
	// MaxSize bounds the number of entries; 0 means unbounded. When the
	// bound is exceeded the soonest-expiring entries are evicted first.
	MaxSize int
}

// NewMemoryStore creates an in-process TTL store.
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value for key, reporting a miss for absent or expired keys.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores the value under key. A zero ttl means no expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	s.prune()
	return nil
}

// Delete removes the key; deleting an absent key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// Len returns the current number of entries, counting expired ones not yet
// collected.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close marks the store closed. Subsequent operations return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// prune drops expired entries, then evicts soonest-expiring entries while
// over the size bound. Callers must hold s.mu.
func (s *MemoryStore) prune() {
	now := s.now()
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}

	if s.maxSize <= 0 {
		return
	}
	for len(s.entries) > s.maxSize {
		var victim string
		var victimExpiry time.Time
		first := true
		for key, entry := range s.entries {
			// Entries without expiry are evicted last.
			expiry := entry.expiresAt
			if expiry.IsZero() {
				expiry = now.Add(100 * 365 * 24 * time.Hour)
			}
			if first || expiry.Before(victimExpiry) {
				victim = key
				victimExpiry = expiry
				first = false
			}
		}
		delete(s.entries, victim)
	}
}

// MemoryBus is an in-process Bus. Subscribers receive on buffered channels;
// a full channel drops the message for that subscriber.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Message
	nextID int
	closed bool
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// NewMemoryBus creates an in-process pub/sub bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[int]chan Message),
	}
}

// Publish delivers the payload to every current subscriber of topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Message, subscriberBuffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[topic]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return ch, cancel, nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = nil
	return nil
}
