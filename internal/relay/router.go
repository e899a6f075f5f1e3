// Package relay implements the room membership and message broadcast core:
// the connection registry, the derived room roster, the global presence
// counter, and the router that turns each inbound event into ordered
// mutations and outbound broadcasts.
package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parley/chat-relay/internal/history"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
)

// ioTimeout bounds each message-log read or write.
const ioTimeout = 3 * time.Second

// Sender delivers an outbound payload to a single connection. The WebSocket
// server implements it; tests substitute a recording fake. Delivery errors
// are the transport's problem: a failed connection is cleaned up by its own
// read path, so the router ignores individual send errors.
type Sender interface {
	Send(connID string, data []byte) error
}

// SenderFunc adapts a plain function to the Sender interface.
type SenderFunc func(connID string, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(connID string, data []byte) error {
	return f(connID, data)
}

// Router orchestrates all inbound events (connect, join, send, file-share,
// disconnect). Registry and presence mutations are fast in-memory operations;
// everything that touches a room (history replay and append, room
// broadcasts) runs on that room's FIFO queue, so events within a room are
// totally ordered while independent rooms proceed concurrently.
//
// Routers own all their state; no package-level singletons, so tests can run
// independent instances side by side.
type Router struct {
	registry *Registry
	presence *Presence
	queues   *roomQueues
	log      history.Log
	sender   Sender
	now      func() time.Time // injectable clock for system-notice timestamps
}

// NewRouter creates a router over the given message log and outbound sender.
func NewRouter(msgLog history.Log, sender Sender) *Router {
	return &Router{
		registry: NewRegistry(),
		presence: NewPresence(),
		queues:   newRoomQueues(),
		log:      msgLog,
		sender:   sender,
		now:      time.Now,
	}
}

// Registry exposes the connection registry for read-only queries (rosters,
// counts) by the HTTP layer.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Presence returns the global online-user count.
func (r *Router) Presence() int {
	return r.presence.Current()
}

// Connect registers a new connection and broadcasts the updated global count
// to every connection, including the new one.
func (r *Router) Connect(connID string) {
	if !r.registry.Register(connID) {
		log.Printf("relay: duplicate connect for %s ignored", connID)
		return
	}
	count := r.presence.Increment()
	r.broadcastGlobalCount(count)
}

// Join binds a connection to a room. The joiner receives the room's full
// history first, then the system joined notice and the updated roster are
// broadcast to the whole room. A join with an empty room or username is
// rejected with no state change and no broadcast; a second join from the
// same connection re-runs the sequence against the new room without a
// synthetic leave from the old one.
func (r *Router) Join(connID, roomID, username string) {
	if roomID == "" || username == "" {
		log.Printf("relay: rejected join from %s (missing room or username)", connID)
		return
	}
	// The bind is recorded immediately so a disconnect or a later join always
	// resolves against this binding: the last bind wins, and Unregister can
	// schedule the matching leave notice behind this join on the room queue.
	// The binding stays pending until the join sequence below runs, keeping
	// the joiner out of broadcasts for events already queued ahead of it.
	token, ok := r.registry.Bind(connID, roomID, username)
	if !ok {
		log.Printf("relay: rejected join from unregistered connection %s", connID)
		return
	}

	r.queues.Dispatch(roomID, func() {
		// Activation fails if the connection disconnected or re-joined
		// elsewhere while this was queued. The sequence still runs to
		// completion either way: a send-then-gone connection keeps its
		// event's side effects, and the leave notice queued behind this
		// closure then pairs with the joined notice below.
		r.registry.Activate(connID, token)

		// History must reach the joiner before the notice marking its own
		// arrival, or the client would see its join notice out of place.
		r.sendHistory(connID, roomID)

		notice := history.Event{
			RoomID: roomID,
			Sender: history.SystemSender,
			Text:   fmt.Sprintf("%s joined the room.", username),
			Ts:     r.timestamp(),
		}
		r.appendAndBroadcast(notice, "system")
		r.broadcastRoster(roomID)
	})
}

// SendMessage appends a client message to the room's log and broadcasts it
// to the room. An empty or oversized body is rejected with no append and no
// broadcast. Append and broadcast are deliberately not transactional: if the
// log write fails the live broadcast still goes out.
func (r *Router) SendMessage(connID, roomID, sender, text, ts string) {
	if roomID == "" {
		log.Printf("relay: rejected message from %s (missing room)", connID)
		return
	}
	if err := ValidateMessage(text); err != nil {
		log.Printf("relay: rejected message from %s: %v", connID, err)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	event := history.Event{RoomID: roomID, Sender: sender, Text: text, Ts: ts}
	r.queues.Dispatch(roomID, func() {
		r.appendAndBroadcast(event, "chat")
	})
}

// FileShared injects a file-share notice from the upload collaborator. It
// flows through the same append-and-broadcast path as a chat message but
// carries the system sender and a link body, and originates from no live
// connection.
func (r *Router) FileShared(roomID, fileName, fileURL string) {
	if roomID == "" || fileURL == "" {
		log.Printf("relay: rejected file-share notice (missing room or url)")
		return
	}

	event := history.Event{
		RoomID: roomID,
		Sender: history.SystemSender,
		Text:   fmt.Sprintf("File shared: <a href=%q target=\"_blank\">%s</a>", fileURL, fileName),
		Ts:     r.timestamp(),
	}
	r.queues.Dispatch(roomID, func() {
		r.appendAndBroadcast(event, "file")
	})
}

// Disconnect removes a connection, broadcasts the updated global count to
// everyone, and, if the connection had joined a room, broadcasts a system
// left notice and the updated roster to that room. A connection that never
// joined triggers only the global count update.
func (r *Router) Disconnect(connID string) {
	binding, ok := r.registry.Unregister(connID)
	if !ok {
		log.Printf("relay: disconnect for unknown connection %s ignored", connID)
		metrics.ConsistencyFaults.Inc()
		return
	}
	count := r.presence.Decrement()
	r.broadcastGlobalCount(count)

	if binding == nil {
		return
	}

	roomID, username := binding.RoomID, binding.Username
	r.queues.Dispatch(roomID, func() {
		notice := history.Event{
			RoomID: roomID,
			Sender: history.SystemSender,
			Text:   fmt.Sprintf("%s left the room.", username),
			Ts:     r.timestamp(),
		}
		r.appendAndBroadcast(notice, "system")
		r.broadcastRoster(roomID)
	})
}

// Flush blocks until all room work enqueued before the call has completed.
func (r *Router) Flush() {
	r.queues.Flush()
}

// Stop drains the per-room queues and waits for in-flight events to finish.
func (r *Router) Stop() {
	r.queues.Stop()
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// sendHistory replays the room's log to a single connection. A replay
// failure yields an empty history rather than blocking the join.
func (r *Router) sendHistory(connID, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	events, err := r.log.Replay(ctx, roomID)
	if err != nil {
		log.Printf("relay: replay failed for room %q: %v", roomID, err)
		events = nil
	}

	entries := make([]protocol.HistoryEntry, len(events))
	for i, ev := range events {
		entries[i] = protocol.HistoryEntry{Sender: ev.Sender, Text: ev.Text, Ts: ev.Ts}
	}

	data, err := protocol.NewServerMessage(protocol.TypePreviousMessages, protocol.PreviousMessagesMsg{
		Messages: entries,
	})
	if err != nil {
		log.Printf("relay: failed to build previous_messages for %s: %v", connID, err)
		return
	}
	_ = r.sender.Send(connID, data)
}

// appendAndBroadcast persists an event and fans it out to the room. The two
// are decoupled: a failed append is logged and the broadcast proceeds.
func (r *Router) appendAndBroadcast(event history.Event, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	if err := r.log.Append(ctx, event); err != nil {
		log.Printf("relay: append failed for room %q: %v", event.RoomID, err)
	}
	cancel()

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Sender: event.Sender,
		Text:   event.Text,
		Ts:     event.Ts,
	})
	if err != nil {
		log.Printf("relay: failed to build receive_message for room %q: %v", event.RoomID, err)
		return
	}

	start := time.Now()
	for _, connID := range r.registry.ConnsInRoom(event.RoomID) {
		_ = r.sender.Send(connID, data)
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues(kind).Inc()
}

// broadcastRoster sends the room's current occupant list, in join order, to
// every connection in the room. The roster is computed at broadcast time so
// it is never stale by more than one event.
func (r *Router) broadcastRoster(roomID string) {
	users := r.registry.OccupantsOf(roomID)

	data, err := protocol.NewServerMessage(protocol.TypeUpdateUsers, protocol.UpdateUsersMsg{
		Users: users,
	})
	if err != nil {
		log.Printf("relay: failed to build update_users for room %q: %v", roomID, err)
		return
	}
	for _, connID := range r.registry.ConnsInRoom(roomID) {
		_ = r.sender.Send(connID, data)
	}
	metrics.OccupiedRooms.Set(float64(r.registry.OccupiedRooms()))
}

// broadcastGlobalCount pushes the online-user count to every connection.
func (r *Router) broadcastGlobalCount(count int) {
	data, err := protocol.NewServerMessage(protocol.TypeUpdateGlobalUsers, protocol.UpdateGlobalUsersMsg{
		Count: count,
	})
	if err != nil {
		log.Printf("relay: failed to build update_global_users: %v", err)
		return
	}
	for _, connID := range r.registry.AllConns() {
		_ = r.sender.Send(connID, data)
	}
}

// timestamp formats the server-assigned wall-clock time used for system
// notices. Client messages carry their own client-supplied timestamp.
func (r *Router) timestamp() string {
	return r.now().Format("15:04:05")
}
