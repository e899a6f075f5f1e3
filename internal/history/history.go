// Package history implements the per-room message log: an append-only,
// ordered store of room events queried for replay when a client joins.
// Two implementations are provided: a PostgreSQL-backed store for
// production and an in-memory store for tests and single-node setups.
package history

import "context"

// SystemSender is the sender name used for join/leave/file-share notices.
const SystemSender = "System"

// Event is one unit of room history: a chat message, a file-share notice,
// or a system join/leave notice. Events are immutable once appended.
type Event struct {
	RoomID string `json:"room_id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     string `json:"ts"` // wall-clock string, client-supplied or server-assigned
}

// Log is the append-only message log abstraction used by the relay core.
// Append ordering within a room is the caller's responsibility (the router
// serializes all events for a room); Replay must return events in append
// order.
type Log interface {
	// Append adds an event to its room's log.
	Append(ctx context.Context, event Event) error

	// Replay returns all events for a room in append order. A room with no
	// history yields an empty slice, not an error.
	Replay(ctx context.Context, roomID string) ([]Event, error)
}
