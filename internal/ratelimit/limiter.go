// Package ratelimit provides per-key token-bucket limiting for the
// agent-facing call endpoint.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config tunes a Limiter. Rate is tokens added per second, Burst is the
// bucket capacity. A disabled limiter allows everything.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

func (c *Config) defaults() {
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(math.Ceil(c.Rate * 2))
	}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
}

func (b *bucket) refillLocked(now time.Time) {
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is how long until one token is available.
func (b *bucket) retryAfter(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Limiter holds one token bucket per key. Keys are caller subjects;
// buckets are created on first use and pruned when the map grows large.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     Config
	maxKeys int

	now func() time.Time
}

func NewLimiter(cfg Config) *Limiter {
	cfg.defaults()
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled {
		return true
	}
	return l.bucketFor(key).allow(l.now())
}

// RetryAfter is the wait until key's next request would be allowed,
// rounded up to whole seconds for the Retry-After response header.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.cfg.Enabled {
		return 0
	}
	d := l.bucketFor(key).retryAfter(l.now())
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked()
	}
	b = &bucket{
		tokens:     float64(l.cfg.Burst),
		capacity:   float64(l.cfg.Burst),
		rate:       l.cfg.Rate,
		lastRefill: l.now(),
	}
	l.buckets[key] = b
	return b
}

// pruneLocked drops near-full buckets; those keys have been idle long
// enough to refill and lose nothing by starting fresh.
func (l *Limiter) pruneLocked() {
	now := l.now()
	for key, b := range l.buckets {
		b.mu.Lock()
		b.refillLocked(now)
		full := b.tokens >= b.capacity*0.9
		b.mu.Unlock()
		if full {
			delete(l.buckets, key)
		}
	}
}
