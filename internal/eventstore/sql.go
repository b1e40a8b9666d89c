package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/parleyhq/parley/internal/config"
	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SQLStore implements Store on sqlite or postgres through database/sql.
//
// Both engines share one schema: an events table whose (stream, version)
// uniqueness backs the optimistic concurrency check, and a positions table
// for consumer progress. The global position is the autoincrement primary
// key, so commit order and read order agree.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the database, configures the pool, and creates the
// schema if missing. dialect is "sqlite" or "postgres".
func NewSQLStore(dialect string, cfg config.EventStoreConfig) (*SQLStore, error) {
	dsn := cfg.DSN
	if dialect == "sqlite" {
		// Serialize writers at the driver level; database/sql retries on
		// SQLITE_BUSY are not something we want to depend on.
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event store schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == "postgres" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS events (
				global_pos BIGSERIAL PRIMARY KEY,
				stream TEXT NOT NULL,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				version BIGINT NOT NULL,
				event_type TEXT NOT NULL,
				payload BYTEA NOT NULL,
				recorded_at TIMESTAMPTZ NOT NULL,
				UNIQUE (stream, version)
			)`,
			`CREATE TABLE IF NOT EXISTS consumer_positions (
				consumer TEXT PRIMARY KEY,
				position BIGINT NOT NULL
			)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS events (
				global_pos INTEGER PRIMARY KEY AUTOINCREMENT,
				stream TEXT NOT NULL,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				payload BLOB NOT NULL,
				recorded_at TIMESTAMP NOT NULL,
				UNIQUE (stream, version)
			)`,
			`CREATE TABLE IF NOT EXISTS consumer_positions (
				consumer TEXT PRIMARY KEY,
				position INTEGER NOT NULL
			)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Load returns all events of one stream in version order.
func (s *SQLStore) Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT global_pos, aggregate_type, aggregate_id, version, event_type, payload, recorded_at
		FROM events WHERE stream = ? ORDER BY version`),
		StreamName(aggregateType, aggregateID))
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Append commits events inside a transaction holding the expected-version
// check and the inserts together.
func (s *SQLStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, events []EventData) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stream := StreamName(aggregateType, aggregateID)
	var current int64
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE stream = ?`), stream).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if expectedVersion != ExpectedAny && current != expectedVersion {
		return nil, ErrVersionConflict
	}

	now := time.Now().UTC()
	committed := make([]Event, 0, len(events))
	for i, data := range events {
		ev := Event{
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Version:       current + int64(i) + 1,
			Type:          data.Type,
			Payload:       data.Payload,
			RecordedAt:    now,
		}
		var query string
		if s.dialect == "postgres" {
			query = s.rebind(`
				INSERT INTO events (stream, aggregate_type, aggregate_id, version, event_type, payload, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING global_pos`)
			err = tx.QueryRowContext(ctx, query,
				stream, ev.AggregateType, ev.AggregateID, ev.Version, ev.Type, []byte(ev.Payload), ev.RecordedAt,
			).Scan(&ev.GlobalPos)
		} else {
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO events (stream, aggregate_type, aggregate_id, version, event_type, payload, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				stream, ev.AggregateType, ev.AggregateID, ev.Version, ev.Type, []byte(ev.Payload), ev.RecordedAt)
			if execErr != nil {
				err = execErr
			} else {
				ev.GlobalPos, err = res.LastInsertId()
			}
		}
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrVersionConflict
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
		committed = append(committed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return committed, nil
}

// ReadAll returns up to limit events past fromPos in global order.
func (s *SQLStore) ReadAll(ctx context.Context, fromPos int64, limit int) ([]Event, error) {
	query := `
		SELECT global_pos, aggregate_type, aggregate_id, version, event_type, payload, recorded_at
		FROM events WHERE global_pos > ? ORDER BY global_pos`
	args := []any{fromPos}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// HeadPosition returns the highest committed global position.
func (s *SQLStore) HeadPosition(ctx context.Context) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_pos), 0) FROM events`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head position: %w", err)
	}
	return head, nil
}

// GetPosition returns a consumer's stored position, zero when unknown.
func (s *SQLStore) GetPosition(ctx context.Context, consumer string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT position FROM consumer_positions WHERE consumer = ?`), consumer).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// SetPosition stores a consumer's position.
func (s *SQLStore) SetPosition(ctx context.Context, consumer string, pos int64) error {
	var query string
	if s.dialect == "postgres" {
		query = s.rebind(`
			INSERT INTO consumer_positions (consumer, position) VALUES (?, ?)
			ON CONFLICT (consumer) DO UPDATE SET position = EXCLUDED.position`)
	} else {
		query = `
			INSERT INTO consumer_positions (consumer, position) VALUES (?, ?)
			ON CONFLICT (consumer) DO UPDATE SET position = excluded.position`
	}
	if _, err := s.db.ExecContext(ctx, query, consumer, pos); err != nil {
		return fmt.Errorf("set position: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.GlobalPos, &ev.AggregateType, &ev.AggregateID,
			&ev.Version, &ev.Type, &payload, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
