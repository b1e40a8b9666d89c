package cache

import (
	"sync"
	"time"
)

// DedupeCache tracks recently seen keys so duplicate deliveries can be
// suppressed. Entries expire after the TTL and the cache is bounded.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> unix millis last seen
	ttl     time.Duration
	maxSize int
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupeCache creates a deduplication cache.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &DedupeCache{
		seen:    make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was seen within the TTL and records it either
// way, refreshing the timestamp.
func (c *DedupeCache) Check(key string) bool {
	return c.CheckAt(key, time.Now())
}

// CheckAt is Check with an explicit timestamp for deterministic tests.
func (c *DedupeCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMillis := now.UnixMilli()
	if last, ok := c.seen[key]; ok {
		if c.ttl <= 0 || nowMillis-last < c.ttl.Milliseconds() {
			c.seen[key] = nowMillis
			return true
		}
	}

	c.seen[key] = nowMillis
	c.prune(nowMillis)
	return false
}

// Contains reports whether key is present without refreshing it.
func (c *DedupeCache) Contains(key string) bool {
	return c.ContainsAt(key, time.Now())
}

// ContainsAt is Contains with an explicit timestamp for deterministic tests.
func (c *DedupeCache) ContainsAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.seen[key]
	if !ok {
		return false
	}
	if c.ttl <= 0 {
		return true
	}
	return now.UnixMilli()-last < c.ttl.Milliseconds()
}

// Remove forgets a specific key.
func (c *DedupeCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Clear forgets all keys.
func (c *DedupeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]int64)
}

// Size returns the current number of tracked keys.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// prune drops expired keys, then evicts oldest keys while over the size
// bound. Callers must hold c.mu.
func (c *DedupeCache) prune(nowMillis int64) {
	if c.ttl > 0 {
		cutoff := nowMillis - c.ttl.Milliseconds()
		for key, last := range c.seen {
			if last < cutoff {
				delete(c.seen, key)
			}
		}
	}

	if c.maxSize <= 0 {
		return
	}
	for len(c.seen) > c.maxSize {
		var oldestKey string
		oldestLast := int64(^uint64(0) >> 1)
		for key, last := range c.seen {
			if last < oldestLast {
				oldestLast = last
				oldestKey = key
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.seen, oldestKey)
	}
}

// FrameKey builds a deduplication key for an inbound conversation frame.
// Frames without an id are never deduplicated.
func FrameKey(conversationID, frameID string) string {
	if frameID == "" {
		return ""
	}
	if conversationID == "" {
		return frameID
	}
	return conversationID + ":" + frameID
}
