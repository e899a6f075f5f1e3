// Package messaging provides a NATS client wrapper for pub/sub messaging
// between relay services. The upload server publishes file-share events here
// and the relay server consumes them, so uploads never need a live WebSocket
// connection to reach a room.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used across relay services.
const (
	// SubjectFileShared carries file-share notices from the upload server to
	// the relay.
	SubjectFileShared = "files.shared"
)

// FileSharedEvent is the payload published on SubjectFileShared after a file
// has been durably stored. It is never published for a failed upload.
type FileSharedEvent struct {
	RoomID   string `json:"room_id"`
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishFileShared publishes a file-share event for the upload collaborator.
func (c *Client) PublishFileShared(event FileSharedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal file-shared: %w", err)
	}
	return c.Publish(SubjectFileShared, data)
}

// SubscribeFileShared subscribes to file-share events. Malformed payloads are
// logged and dropped rather than surfaced to the handler.
func (c *Client) SubscribeFileShared(handler func(event FileSharedEvent)) error {
	return c.Subscribe(SubjectFileShared, func(msg *nats.Msg) {
		var event FileSharedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad file-shared payload: %v", err)
			return
		}
		handler(event)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
