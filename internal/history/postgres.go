package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
)

// Store is the PostgreSQL-backed Log implementation. Events are keyed by a
// serial id so that replay order matches append order within a room.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and returns a store ready for use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore creates a store backed by an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts an event into the messages table.
func (s *Store) Append(ctx context.Context, event Event) error {
	const query = `
		INSERT INTO messages (room_id, sender, body, ts)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, event.RoomID, event.Sender, event.Text, event.Ts)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Replay returns all events for a room ordered by insertion id.
func (s *Store) Replay(ctx context.Context, roomID string) ([]Event, error) {
	const query = `
		SELECT sender, body, ts
		FROM messages
		WHERE room_id = $1
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("history: replay query: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev := Event{RoomID: roomID}
		if err := rows.Scan(&ev.Sender, &ev.Text, &ev.Ts); err != nil {
			return nil, fmt.Errorf("history: replay scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: replay rows: %w", err)
	}
	return events, nil
}

// DB returns the underlying database handle for use by other packages
// (e.g., the upload file store shares the same database).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
