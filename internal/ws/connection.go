package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one live WebSocket client. The relay core addresses it only
// by ID; the transport layer owns the socket, the epoll registration, and
// the liveness timestamp.
type Connection struct {
	ID         string    // session ID (UUID), handed to the relay as the connection identity
	Conn       net.Conn  // upgraded TCP connection
	Fd         int       // file descriptor, key for epoll lookups
	CreatedAt  time.Time
	LastPing   time.Time  // last proof of life (any inbound frame or ping)
	writeMu    sync.Mutex // one writer at a time per socket
	processing int32      // atomic flag: 1 while handleConn is reading this connection
}

// WriteMessage sends a text frame. Concurrent callers are serialized by the
// write mutex so frame bytes never interleave.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session ID and by file
// descriptor, so both the relay (which speaks IDs) and the epoll loop
// (which speaks fds) get O(1) lookups.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under both indexes.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops the connection with the given session ID from both indexes
// and closes its socket. Returns false if it was already gone, which lets
// racing cleanup paths (read error vs heartbeat eviction) settle on a single
// winner.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for a session ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for a file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn resolves a net.Conn back to its Connection via the socket's
// file descriptor. Returns nil for unknown connections.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot slice of the live connections, safe to iterate
// without holding the manager's lock. The heartbeat sweep and shutdown use
// it; room fan-out does not go through the manager at all.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
