package relay

import (
	"log"
	"sync"
)

// queueBuffer is the per-room pending event capacity. Dispatch blocks once a
// room's queue is full, applying backpressure instead of dropping events.
const queueBuffer = 256

// roomQueues runs one FIFO executor goroutine per room, created lazily on
// first dispatch. All history I/O and broadcasts for a room run on its
// executor, which serializes events within a room while letting independent
// rooms proceed concurrently. A slow persistence write for one room never
// delays another.
type roomQueues struct {
	mu      sync.Mutex
	queues  map[string]chan func()
	wg      sync.WaitGroup
	stopped bool
}

// newRoomQueues creates an empty queue set.
func newRoomQueues() *roomQueues {
	return &roomQueues{
		queues: make(map[string]chan func()),
	}
}

// Dispatch enqueues fn on the room's executor, starting it if this is the
// room's first event. Dispatch calls for the same room are executed in the
// order they were enqueued. After Stop, dispatches are dropped.
func (q *roomQueues) Dispatch(roomID string, fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		log.Printf("relay: dropping event for room %q after shutdown", roomID)
		return
	}

	ch, ok := q.queues[roomID]
	if !ok {
		ch = make(chan func(), queueBuffer)
		q.queues[roomID] = ch
		q.wg.Add(1)
		go q.run(ch)
	}
	q.mu.Unlock()

	ch <- fn
}

// run drains a room's queue until it is closed.
func (q *roomQueues) run(ch chan func()) {
	defer q.wg.Done()
	for fn := range ch {
		fn()
	}
}

// Flush blocks until every event enqueued before the call has been executed.
func (q *roomQueues) Flush() {
	q.mu.Lock()
	channels := make([]chan func(), 0, len(q.queues))
	if !q.stopped {
		for _, ch := range q.queues {
			channels = append(channels, ch)
		}
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		ch <- wg.Done
	}
	wg.Wait()
}

// Stop closes all queues and waits for pending events to finish.
func (q *roomQueues) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, ch := range q.queues {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
