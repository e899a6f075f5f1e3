package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes the liveness sweep.
type HeartbeatConfig struct {
	Interval time.Duration // time between sweeps
	Timeout  time.Duration // extra grace beyond Interval before a connection is declared dead
}

// DefaultHeartbeatConfig returns the defaults used by the relay server.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat runs a background sweep that pings every connection and
// evicts those with no activity within Interval + Timeout. Evicted
// connections go through Server.RemoveConnection, so the relay sees a
// normal disconnect. The goroutine exits when the server's done channel
// closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

// sweepConnections evicts stale connections and pings the rest. A browser
// answers the protocol-level ping (opcode 0x9) with a pong automatically,
// which counts as a read and refreshes LastPing.
func sweepConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout session=%s idle=%s",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame. The write mutex keeps it from
// interleaving with application frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
