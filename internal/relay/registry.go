package relay

import "sync"

// Binding is a connection's current room membership: the room it joined and
// the display name it joined under. A connection has no binding until its
// first join; a later join overwrites the binding (rejoin).
type Binding struct {
	RoomID   string
	Username string
}

// entry is the registry's per-connection record. seq preserves registration
// order so rosters can be reported in the order users connected.
//
// A binding starts out pending: it is the connection's authoritative room
// assignment (visible to Lookup and Unregister) but the connection does not
// receive room broadcasts until Activate marks the join sequence as having
// run on the room's queue. token identifies the bind so a stale activation
// from a superseded join cannot resurrect an overwritten binding.
type entry struct {
	binding *Binding // nil until the connection joins a room
	active  bool     // true once the join sequence has run on the room queue
	token   uint64   // identifies the bind that created the current binding
	seq     uint64
}

// Registry tracks every live connection and its room/username binding. It is
// the single source of truth for room membership: the room roster is a
// filtered view over the registry, never an independently mutated set.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	nextSeq   uint64
	nextToken uint64
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
	}
}

// Register adds a new connection with no room binding. Returns false if the
// connection ID is already registered (the call is then a no-op).
func (r *Registry) Register(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return false
	}
	r.conns[connID] = &entry{seq: r.nextSeq}
	r.nextSeq++
	return true
}

// Bind sets the room and username for a connection and returns a token for
// the later Activate call. The new binding is pending: Lookup and Unregister
// see it immediately, but the connection stays out of room broadcast sets
// until Activate. Re-binding overwrites the prior binding (rejoin); the last
// Bind always wins regardless of which room queue activates first. Returns
// ok=false for unknown connection IDs.
func (r *Registry) Bind(connID, roomID, username string) (token uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[connID]
	if !found {
		return 0, false
	}
	r.nextToken++
	e.binding = &Binding{RoomID: roomID, Username: username}
	e.active = false
	e.token = r.nextToken
	return e.token, true
}

// Activate marks a pending binding as live, admitting the connection to its
// room's broadcast sets. It is a no-op if the connection is gone or the
// token belongs to a bind that a later Join has overwritten. Returns whether
// the binding was activated.
func (r *Registry) Activate(connID string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.binding == nil || e.token != token {
		return false
	}
	e.active = true
	return true
}

// Unregister removes a connection and returns its last binding (pending or
// live), or nil if the connection never joined a room. The second return
// value reports whether the connection was registered at all.
func (r *Registry) Unregister(connID string) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	return e.binding, true
}

// Exists reports whether the connection is registered.
func (r *Registry) Exists(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Lookup returns the connection's current binding (pending or live), or nil
// if the connection is unknown or has not joined a room.
func (r *Registry) Lookup(connID string) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok || e.binding == nil {
		return nil
	}
	b := *e.binding
	return &b
}

// OccupantsOf returns the usernames of all connections with a live binding
// to the room, in registration order (observed join order, not alphabetical).
// Pending joins are excluded until their join sequence activates them.
func (r *Registry) OccupantsOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type occupant struct {
		seq  uint64
		name string
	}
	occupants := make([]occupant, 0, 8)
	for _, e := range r.conns {
		if e.active && e.binding.RoomID == roomID {
			occupants = append(occupants, occupant{seq: e.seq, name: e.binding.Username})
		}
	}
	sortBySeq(occupants, func(o occupant) uint64 { return o.seq })

	users := make([]string, len(occupants))
	for i, o := range occupants {
		users[i] = o.name
	}
	return users
}

// ConnsInRoom returns the IDs of all connections with a live binding to the
// room. Pending joins are excluded so a joiner never receives a live event
// ahead of its history replay.
func (r *Registry) ConnsInRoom(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, 8)
	for id, e := range r.conns {
		if e.active && e.binding.RoomID == roomID {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllConns returns the IDs of every registered connection, joined or not.
func (r *Registry) AllConns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OccupiedRooms returns the number of rooms with at least one live occupant.
func (r *Registry) OccupiedRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]struct{})
	for _, e := range r.conns {
		if e.active {
			rooms[e.binding.RoomID] = struct{}{}
		}
	}
	return len(rooms)
}

// sortBySeq is a small insertion sort keyed by seq. Rosters are tiny, so a
// dependency-free sort keeps the hot path allocation-light.
func sortBySeq[T any](items []T, key func(T) uint64) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && key(items[j]) < key(items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
