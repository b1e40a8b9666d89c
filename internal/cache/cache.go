// Package cache provides the shared TTL key-value store and the pub/sub bus
// used for read-model invalidation signals. Both have an in-memory backend
// for single-node deployments and a redis backend for multi-node ones.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store or bus.
var ErrClosed = errors.New("cache: closed")

// Store is a TTL key-value cache.
//
// A zero ttl on Set means the entry does not expire. Get reports a miss for
// absent and expired keys alike.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Message is one published payload on a Bus topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is a lightweight publish/subscribe fan-out. Delivery is best-effort:
// slow subscribers lose messages rather than block publishers, which is
// acceptable because every signal sent over the bus is a cue to re-read
// authoritative state, not the state itself.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of messages for the topic and a cancel
	// function that must be called to release the subscription.
	Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error)

	Close() error
}
