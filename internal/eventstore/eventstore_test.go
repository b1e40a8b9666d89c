package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/config"
)

// storeUnderTest builds each Store backend against the same test suite.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLStore("sqlite", config.EventStoreConfig{
		DSN: filepath.Join(t.TempDir(), "events.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestAppendAssignsVersionsAndPositions(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Append(ctx, "conversation", "c1", 0, []EventData{
				{Type: "ConversationCreated", Payload: json.RawMessage(`{"user_id":"u1"}`)},
				{Type: "MessageAdded", Payload: json.RawMessage(`{"role":"user"}`)},
			})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			if len(first) != 2 {
				t.Fatalf("committed %d events, want 2", len(first))
			}
			if first[0].Version != 1 || first[1].Version != 2 {
				t.Errorf("versions = %d,%d, want 1,2", first[0].Version, first[1].Version)
			}
			if first[0].GlobalPos <= 0 || first[1].GlobalPos <= first[0].GlobalPos {
				t.Errorf("global positions not strictly increasing: %d, %d",
					first[0].GlobalPos, first[1].GlobalPos)
			}

			second, err := store.Append(ctx, "conversation", "c1", 2, []EventData{
				{Type: "MessageAdded", Payload: json.RawMessage(`{"role":"assistant"}`)},
			})
			if err != nil {
				t.Fatalf("second append: %v", err)
			}
			if second[0].Version != 3 {
				t.Errorf("version = %d, want 3", second[0].Version)
			}
		})
	}
}

func TestAppendVersionConflict(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Append(ctx, "source", "s1", 0, []EventData{
				{Type: "SourceRegistered", Payload: json.RawMessage(`{}`)},
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}

			_, err := store.Append(ctx, "source", "s1", 0, []EventData{
				{Type: "SourceRegistered", Payload: json.RawMessage(`{}`)},
			})
			if !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("err = %v, want ErrVersionConflict", err)
			}

			// Nothing was committed by the conflicting append.
			events, err := store.Load(ctx, "source", "s1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(events) != 1 {
				t.Errorf("stream has %d events after conflict, want 1", len(events))
			}

			// ExpectedAny bypasses the check.
			if _, err := store.Append(ctx, "source", "s1", ExpectedAny, []EventData{
				{Type: "SourceEnabled", Payload: json.RawMessage(`{}`)},
			}); err != nil {
				t.Fatalf("ExpectedAny append: %v", err)
			}
		})
	}
}

func TestReadAllAcrossStreams(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				id := fmt.Sprintf("c%d", i)
				if _, err := store.Append(ctx, "conversation", id, 0, []EventData{
					{Type: "ConversationCreated", Payload: json.RawMessage(`{}`)},
				}); err != nil {
					t.Fatalf("append %s: %v", id, err)
				}
			}

			all, err := store.ReadAll(ctx, 0, 0)
			if err != nil {
				t.Fatalf("read all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("read %d events, want 3", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].GlobalPos <= all[i-1].GlobalPos {
					t.Errorf("positions out of order at %d: %d then %d",
						i, all[i-1].GlobalPos, all[i].GlobalPos)
				}
			}

			// Resume from the middle.
			tail, err := store.ReadAll(ctx, all[0].GlobalPos, 0)
			if err != nil {
				t.Fatalf("read tail: %v", err)
			}
			if len(tail) != 2 {
				t.Errorf("tail has %d events, want 2", len(tail))
			}

			// Limit applies.
			limited, err := store.ReadAll(ctx, 0, 2)
			if err != nil {
				t.Fatalf("read limited: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("limited read returned %d events, want 2", len(limited))
			}

			head, err := store.HeadPosition(ctx)
			if err != nil {
				t.Fatalf("head: %v", err)
			}
			if head != all[len(all)-1].GlobalPos {
				t.Errorf("head = %d, want %d", head, all[len(all)-1].GlobalPos)
			}
		})
	}
}

func TestConsumerPositions(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pos, err := store.GetPosition(ctx, "catalog-projector")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if pos != 0 {
				t.Errorf("initial position = %d, want 0", pos)
			}

			if err := store.SetPosition(ctx, "catalog-projector", 42); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := store.SetPosition(ctx, "catalog-projector", 43); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			pos, err = store.GetPosition(ctx, "catalog-projector")
			if err != nil {
				t.Fatalf("get after set: %v", err)
			}
			if pos != 43 {
				t.Errorf("position = %d, want 43", pos)
			}
		})
	}
}

func TestMediatorFanOut(t *testing.T) {
	ctx := context.Background()
	mediator := NewMediator(nil)

	var conversationEvents, allEvents []string
	mediator.Subscribe("conversation", func(_ context.Context, ev Event) {
		conversationEvents = append(conversationEvents, ev.Type)
	})
	mediator.Subscribe("", func(_ context.Context, ev Event) {
		allEvents = append(allEvents, ev.Type)
	})
	mediator.Subscribe("source", func(_ context.Context, ev Event) {
		panic("handler bug")
	})

	store := NewPublishingStore(NewMemoryStore(), mediator, nil)
	if _, err := store.Append(ctx, "conversation", "c1", 0, []EventData{
		{Type: "ConversationCreated", Payload: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// The panicking source handler must not break this append.
	if _, err := store.Append(ctx, "source", "s1", 0, []EventData{
		{Type: "SourceRegistered", Payload: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("append with panicking handler: %v", err)
	}

	if len(conversationEvents) != 1 || conversationEvents[0] != "ConversationCreated" {
		t.Errorf("conversation handler saw %v", conversationEvents)
	}
	if len(allEvents) != 2 {
		t.Errorf("wildcard handler saw %d events, want 2", len(allEvents))
	}
}
