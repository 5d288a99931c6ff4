package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // connection ID (UUID), shared with clients as connectionId
	Conn       net.Conn  // underlying network connection
	Fd         int       // file descriptor, -1 off Linux
	RemoteAddr string    // client address as seen by the upgrade request
	CreatedAt  time.Time // when the connection was established

	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last frame read from the client
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, remoteAddr string, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	c.clearWriteDeadline()
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// WritePong answers a client ping, echoing its payload.
func (c *Connection) WritePong(payload []byte) error {
	return c.writeFrame(ws.NewPongFrame(payload))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, f)
	c.clearWriteDeadline()
	return err
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection ID and by the net.Conn the poller reports as ready.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to every connection except the one with ID
// except (pass "" to reach all). Write errors are ignored; failed connections
// are cleaned up by the read loop or the heartbeat.
func (cm *ConnectionManager) Broadcast(msg []byte, except string) {
	for _, conn := range cm.All() {
		if conn.ID == except {
			continue
		}
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
