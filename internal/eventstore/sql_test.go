package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// The cross-backend suite in eventstore_test.go covers sqlite against a
// real database. The postgres dialect differs in placeholder rebinding,
// RETURNING-based position assignment, and upsert syntax; those paths are
// pinned here against a mock connection.

func newPostgresMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLStore{db: db, dialect: "postgres"}, mock
}

func TestPostgresAppendUsesReturningPositions(t *testing.T) {
	store, mock := newPostgresMock(t)
	stream := StreamName("conversation", "c1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events WHERE stream = \$1`).
		WithArgs(stream).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectQuery(`(?s)INSERT INTO events.*RETURNING global_pos`).
		WithArgs(stream, "conversation", "c1", int64(1), "ConversationCreated",
			[]byte(`{"user_id":"u1"}`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"global_pos"}).AddRow(int64(41)))
	mock.ExpectQuery(`(?s)INSERT INTO events.*RETURNING global_pos`).
		WithArgs(stream, "conversation", "c1", int64(2), "MessageAdded",
			[]byte(`{"role":"user"}`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"global_pos"}).AddRow(int64(42)))
	mock.ExpectCommit()

	committed, err := store.Append(context.Background(), "conversation", "c1", 0, []EventData{
		{Type: "ConversationCreated", Payload: json.RawMessage(`{"user_id":"u1"}`)},
		{Type: "MessageAdded", Payload: json.RawMessage(`{"role":"user"}`)},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("committed %d events, want 2", len(committed))
	}
	if committed[0].GlobalPos != 41 || committed[1].GlobalPos != 42 {
		t.Errorf("global positions = %d,%d, want 41,42",
			committed[0].GlobalPos, committed[1].GlobalPos)
	}
	if committed[0].Version != 1 || committed[1].Version != 2 {
		t.Errorf("versions = %d,%d, want 1,2", committed[0].Version, committed[1].Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendVersionMismatch(t *testing.T) {
	store, mock := newPostgresMock(t)
	stream := StreamName("conversation", "c1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events WHERE stream = \$1`).
		WithArgs(stream).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), "conversation", "c1", 1, []EventData{
		{Type: "MessageAdded", Payload: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendUniqueViolationIsConflict(t *testing.T) {
	store, mock := newPostgresMock(t)
	stream := StreamName("conversation", "c1")

	// A concurrent writer can slip between the version read and the
	// insert; the (stream, version) unique index is the backstop and its
	// violation must surface as a version conflict, not a generic error.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM events WHERE stream = \$1`).
		WithArgs(stream).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectQuery(`(?s)INSERT INTO events.*RETURNING global_pos`).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "events_stream_version_key"`))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), "conversation", "c1", ExpectedAny, []EventData{
		{Type: "MessageAdded", Payload: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresConsumerPositions(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectQuery(`SELECT position FROM consumer_positions WHERE consumer = \$1`).
		WithArgs("catalog-projector").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`(?s)INSERT INTO consumer_positions.*ON CONFLICT \(consumer\) DO UPDATE SET position = EXCLUDED.position`).
		WithArgs("catalog-projector", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT position FROM consumer_positions WHERE consumer = \$1`).
		WithArgs("catalog-projector").
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(int64(42)))

	ctx := context.Background()
	pos, err := store.GetPosition(ctx, "catalog-projector")
	if err != nil || pos != 0 {
		t.Fatalf("GetPosition before set = %d, %v, want 0, nil", pos, err)
	}
	if err := store.SetPosition(ctx, "catalog-projector", 42); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	pos, err = store.GetPosition(ctx, "catalog-projector")
	if err != nil || pos != 42 {
		t.Fatalf("GetPosition after set = %d, %v, want 42, nil", pos, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
