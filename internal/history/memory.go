package history

import (
	"context"
	"sync"
)

// MemoryLog is a goroutine-safe in-memory Log implementation. History is
// unbounded and lost on process exit; it is used by tests and by
// deployments that do not configure PostgreSQL.
type MemoryLog struct {
	mu    sync.RWMutex
	rooms map[string][]Event // roomID -> events in append order
}

// NewMemoryLog creates an empty in-memory message log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		rooms: make(map[string][]Event),
	}
}

// Append adds an event to its room's log. It never fails.
func (ml *MemoryLog) Append(_ context.Context, event Event) error {
	ml.mu.Lock()
	ml.rooms[event.RoomID] = append(ml.rooms[event.RoomID], event)
	ml.mu.Unlock()
	return nil
}

// Replay returns a copy of the room's events in append order. The copy keeps
// callers from observing later appends through a shared backing array.
func (ml *MemoryLog) Replay(_ context.Context, roomID string) ([]Event, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	events := ml.rooms[roomID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}
