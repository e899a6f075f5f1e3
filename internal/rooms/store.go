// Package rooms provides a Redis-backed room-existence store. Rooms are
// created implicitly on first join; this store only answers the UI's
// "did this room already exist?" question and never gates a join.
package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomPrefix is the Redis key prefix for room records.
const RoomPrefix = "room:"

// Store manages known room identifiers in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a room store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ensure records the room if it is new. It returns true if the room already
// existed, false if this call created it. Room records do not expire: a
// room's history survives an empty room, so its identity does too.
func (s *Store) Ensure(ctx context.Context, roomID string) (existed bool, err error) {
	key := RoomPrefix + roomID

	created, err := s.client.SetNX(ctx, key, time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("rooms: ensure %q: %w", roomID, err)
	}
	return !created, nil
}

// Exists reports whether the room has been recorded.
func (s *Store) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := s.client.Exists(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return false, fmt.Errorf("rooms: exists %q: %w", roomID, err)
	}
	return n > 0, nil
}
