package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis server. Keys are namespaced with
// the configured prefix so multiple deployments can share one server.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing Redis client as a Store.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Get returns the value for key, reporting absent keys as a miss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

// Set stores the value under key. A zero ttl means no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes the key; deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// RedisBus is a Bus backed by Redis pub/sub. Delivery is at-most-once per
// connected subscriber, matching the Bus contract.
type RedisBus struct {
	rdb    redis.UniversalClient
	prefix string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus wraps an existing Redis client as a Bus.
func NewRedisBus(rdb redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: prefix}
}

func (b *RedisBus) channel(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + ":" + topic
}

// Publish sends the payload to all current subscribers of topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription for topic and forwards messages to
// the returned channel until cancel is called or the bus closes.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	pubsub := b.rdb.Subscribe(ctx, b.channel(topic))
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Fail fast if the subscription could not be established.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.remove(pubsub)
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: topic, Payload: []byte(msg.Payload)}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(pubsub)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (b *RedisBus) remove(target *redis.PubSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ps := range b.subs {
		if ps == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close terminates all subscriptions. The underlying client is shared and
// stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}

// NewRedisClient builds a Redis client from connection settings.
func NewRedisClient(addr, password string, db int) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
