package relay

import (
	"log"
	"sync"

	"github.com/parley/chat-relay/internal/metrics"
)

// Presence maintains the global count of live connections, independent of
// room membership. The count never goes negative: decrementing past zero is
// an internal-consistency fault that is clamped and flagged, never fatal.
type Presence struct {
	mu sync.Mutex
	n  int
}

// NewPresence creates a presence counter starting at zero.
func NewPresence() *Presence {
	return &Presence{}
}

// Increment adds one connection and returns the new count.
func (p *Presence) Increment() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.n++
	metrics.OnlineUsers.Set(float64(p.n))
	return p.n
}

// Decrement removes one connection and returns the new count. A decrement
// past zero is clamped to zero and flagged as a consistency fault.
func (p *Presence) Decrement() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		log.Printf("relay: presence counter underflow, clamping to zero")
		metrics.ConsistencyFaults.Inc()
		return 0
	}
	p.n--
	metrics.OnlineUsers.Set(float64(p.n))
	return p.n
}

// Current returns the current count.
func (p *Presence) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
