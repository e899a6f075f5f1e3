// Package upload implements the file-upload collaborator: an HTTP endpoint
// that stores uploaded files on disk, records their metadata in PostgreSQL,
// and publishes a file-share event for the relay to broadcast. Upload
// failures are surfaced to the uploading client only and never produce a
// partial broadcast event.
package upload

import (
	"context"
	"database/sql"
	"fmt"
)

// FileRecord is the stored metadata for one uploaded file.
type FileRecord struct {
	Name   string // original file name as uploaded
	Path   string // server-relative path, e.g. /uploads/169...-report.pdf
	RoomID string
}

// Store manages uploaded-file metadata in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a file store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert records an uploaded file's metadata.
func (s *Store) Insert(ctx context.Context, rec FileRecord) error {
	const query = `
		INSERT INTO files (name, path, room_id)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, rec.Name, rec.Path, rec.RoomID)
	if err != nil {
		return fmt.Errorf("upload: insert file record: %w", err)
	}
	return nil
}

// ListByRoom returns the metadata for all files uploaded to a room, newest
// first. Backs the /files listing endpoint, not the relay hot path.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]FileRecord, error) {
	const query = `
		SELECT name, path, room_id
		FROM files
		WHERE room_id = $1
		ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("upload: list files: %w", err)
	}
	defer rows.Close()

	records := []FileRecord{}
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.Name, &rec.Path, &rec.RoomID); err != nil {
			return nil, fmt.Errorf("upload: scan file record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upload: list rows: %w", err)
	}
	return records, nil
}
