// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypePreviousMessages  = "previous_messages"
	TypeReceiveMessage    = "receive_message"
	TypeUpdateUsers       = "update_users"
	TypeUpdateGlobalUsers = "update_global_users"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to enter a room under a display name. Joining
// a second time overwrites the previous binding (treated as a rejoin).
type JoinMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

// ChatMsg is a text message sent by the client into a room. The timestamp is
// client-supplied and relayed verbatim.
type ChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     string `json:"ts"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// HistoryEntry is one replayed room event inside a previous_messages payload.
type HistoryEntry struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     string `json:"ts"`
}

// PreviousMessagesMsg carries a room's full message history, sent once to a
// joining connection before any live events for that room.
type PreviousMessagesMsg struct {
	Type     string         `json:"type"`
	Messages []HistoryEntry `json:"messages"`
}

// ReceiveMessageMsg is a single room event (chat message, file-share notice,
// or system join/leave notice) broadcast to all connections in a room.
type ReceiveMessageMsg struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     string `json:"ts"`
}

// UpdateUsersMsg carries a room's current roster in join order.
type UpdateUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UpdateGlobalUsersMsg carries the global count of connected clients,
// broadcast to every connection whenever a client connects or disconnects.
type UpdateGlobalUsersMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
