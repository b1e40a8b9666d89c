package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, ok, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if string(val) != "v1" {
		t.Errorf("expected v1, got %q", val)
	}
}

func TestMemoryStore_MissForAbsentKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	_, ok, err := store.Get(ctx, "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected miss for absent key")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Within TTL.
	current = current.Add(30 * time.Second)
	if _, ok, _ := store.Get(ctx, "k1"); !ok {
		t.Error("expected hit within TTL")
	}

	// Past TTL.
	current = current.Add(31 * time.Second)
	if _, ok, _ := store.Get(ctx, "k1"); ok {
		t.Error("expected miss after TTL")
	}

	// Expired entry is collected by the read.
	if store.Len() != 0 {
		t.Errorf("expected expired entry to be collected, size %d", store.Len())
	}
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	current = current.Add(24 * time.Hour)
	if _, ok, _ := store.Get(ctx, "k1"); !ok {
		t.Error("expected hit with no TTL")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	_ = store.Set(ctx, "k1", []byte("v1"), 0)
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k1"); ok {
		t.Error("expected miss after delete")
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, "absent"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestMemoryStore_MaxSizeEvictsSoonestExpiring(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{MaxSize: 2})

	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	_ = store.Set(ctx, "short", []byte("a"), time.Minute)
	_ = store.Set(ctx, "long", []byte("b"), time.Hour)
	_ = store.Set(ctx, "forever", []byte("c"), 0)

	if store.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", store.Len())
	}
	if _, ok, _ := store.Get(ctx, "short"); ok {
		t.Error("expected soonest-expiring entry to be evicted")
	}
	if _, ok, _ := store.Get(ctx, "long"); !ok {
		t.Error("expected long entry to survive")
	}
	if _, ok, _ := store.Get(ctx, "forever"); !ok {
		t.Error("expected no-expiry entry to survive")
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{})

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != ErrClosed {
		t.Errorf("expected ErrClosed from Set, got %v", err)
	}
	if _, _, err := store.Get(ctx, "k1"); err != ErrClosed {
		t.Errorf("expected ErrClosed from Get, got %v", err)
	}
	if err := store.Delete(ctx, "k1"); err != ErrClosed {
		t.Errorf("expected ErrClosed from Delete, got %v", err)
	}
}

func TestMemoryStore_Concurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreOptions{MaxSize: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := "key" + string(rune(id%10+'a'))
			for j := 0; j < 100; j++ {
				_ = store.Set(ctx, key, []byte("v"), time.Minute)
				_, _, _ = store.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() == 0 {
		t.Error("expected entries after concurrent use")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(ctx, "topic1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := bus.Publish(ctx, "topic1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Topic != "topic1" {
			t.Errorf("expected topic1, got %q", msg.Topic)
		}
		if string(msg.Payload) != "hello" {
			t.Errorf("expected hello, got %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBus_TopicIsolation(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(ctx, "topic-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	_ = bus.Publish(ctx, "topic-b", []byte("other"))

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on topic-a: %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	ch1, cancel1, _ := bus.Subscribe(ctx, "fan")
	defer cancel1()
	ch2, cancel2, _ := bus.Subscribe(ctx, "fan")
	defer cancel2()

	_ = bus.Publish(ctx, "fan", []byte("msg"))

	for i, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if string(msg.Payload) != "msg" {
				t.Errorf("subscriber %d: expected msg, got %q", i, msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestMemoryBus_CancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, _ := bus.Subscribe(ctx, "topic1")
	cancel()

	// The channel is closed on cancel.
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after cancel")
	}

	// Publishing after cancel must not panic.
	if err := bus.Publish(ctx, "topic1", []byte("late")); err != nil {
		t.Errorf("publish after cancel: %v", err)
	}

	// Cancel is idempotent.
	cancel()
}

func TestMemoryBus_FullSubscriberDropsMessages(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	defer bus.Close()

	_, cancel, _ := bus.Subscribe(ctx, "burst")
	defer cancel()

	// Publish past the buffer without a reader. Must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*4; i++ {
			_ = bus.Publish(ctx, "burst", []byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()

	ch, _, err := bus.Subscribe(ctx, "topic1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to close on bus close")
	}
	if err := bus.Publish(ctx, "topic1", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if _, _, err := bus.Subscribe(ctx, "topic1"); err != ErrClosed {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}

	// Close is idempotent.
	if err := bus.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
