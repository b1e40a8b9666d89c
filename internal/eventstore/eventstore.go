// Package eventstore persists domain events as append-only per-aggregate
// streams with optimistic concurrency, and fans committed events out to
// in-process subscribers via the Mediator.
//
// A stream is named "{aggregate_type}-{aggregate_id}". Versions within a
// stream start at 1 and increase strictly; every committed event also gets a
// global position so read-model projectors can tail the whole log in commit
// order.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/config"
)

// ErrVersionConflict is returned by Append when the stream has moved past the
// caller's expected version. Callers reload the aggregate and retry.
var ErrVersionConflict = errors.New("eventstore: version conflict")

// ExpectedAny disables the optimistic concurrency check on Append.
const ExpectedAny int64 = -1

// Event is one committed domain event.
type Event struct {
	// GlobalPos is the commit-order position across all streams, starting
	// at 1. Zero on events that have not been appended yet.
	GlobalPos int64 `json:"global_pos"`

	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`

	// Version is the event's sequence number within its stream, starting
	// at 1.
	Version int64 `json:"version"`

	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Stream returns the event's stream name.
func (e Event) Stream() string {
	return StreamName(e.AggregateType, e.AggregateID)
}

// StreamName builds the canonical "{aggregate_type}-{aggregate_id}" name.
func StreamName(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

// EventData is an uncommitted event produced by an aggregate.
type EventData struct {
	Type    string
	Payload json.RawMessage
}

// MarshalPayload is a convenience for building EventData from a payload
// struct. Marshal failures are programming errors and panic.
func MarshalPayload(eventType string, payload any) EventData {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("eventstore: marshal %s payload: %v", eventType, err))
	}
	return EventData{Type: eventType, Payload: raw}
}

// Store is the append-only event log.
type Store interface {
	// Load returns all events of one stream in version order. A missing
	// stream yields an empty slice, not an error.
	Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)

	// Append commits events to a stream. expectedVersion is the version
	// the caller last observed (0 for a new stream, ExpectedAny to skip
	// the check); on mismatch it returns ErrVersionConflict and commits
	// nothing. The returned events carry assigned versions and global
	// positions.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []EventData) ([]Event, error)

	// ReadAll returns up to limit events with GlobalPos > fromPos, in
	// global order. limit <= 0 means no limit.
	ReadAll(ctx context.Context, fromPos int64, limit int) ([]Event, error)

	// HeadPosition returns the highest committed global position.
	HeadPosition(ctx context.Context) (int64, error)

	// GetPosition and SetPosition persist a named consumer's progress
	// through the global log, stored next to the events so that replay
	// after a restart resumes where it left off.
	GetPosition(ctx context.Context, consumer string) (int64, error)
	SetPosition(ctx context.Context, consumer string, pos int64) error

	Close() error
}

// New builds a Store from configuration.
func New(cfg config.EventStoreConfig) (Store, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLStore("sqlite", cfg)
	case "postgres":
		return NewSQLStore("postgres", cfg)
	default:
		return nil, fmt.Errorf("eventstore: unknown engine %q", cfg.Engine)
	}
}
