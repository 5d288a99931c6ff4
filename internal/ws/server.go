// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionTracker records live connections in a store shared by every server
// instance.
type SessionTracker interface {
	Create(ctx context.Context, connID, remoteAddr string) error
	Delete(ctx context.Context, connID string) error
	Touch(ctx context.Context, connIDs ...string) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	log          *slog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionTracker                      // optional shared session state
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	acceptFilter func(r *http.Request) bool          // optional upgrade admission check
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	loopDone     chan struct{}
	closeOnce    sync.Once
	running      atomic.Bool
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. sessions and log may be nil. The onMessage function is called from a
// worker goroutine whenever a complete WebSocket text frame is received;
// frames of one connection are never read concurrently.
func NewServer(config ServerConfig, log *slog.Logger, sessions SessionTracker, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = def.MaxConnections
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = def.MaxFrameBytes
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = def.Heartbeat
	}

	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		log:        log.With("component", "ws"),
		epoll:      epoll,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handle mounts an additional HTTP handler next to /ws and /health. It must
// be called before Start or Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetOnMessage replaces the frame callback. It must be called before Start or
// Serve.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the shared session is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAcceptFilter registers a check run before each upgrade. Requests it
// rejects get 429 Too Many Requests.
func (s *Server) SetAcceptFilter(fn func(r *http.Request) bool) {
	s.acceptFilter = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and the heartbeat monitor, then accepts
// HTTP connections on ln until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("ws: server already serving")
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("ws: server listening",
		"addr", ln.Addr().String(), "workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it registers the connection with
// the connection manager and the poller and greets the client with its
// connection id.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.acceptFilter != nil && !s.acceptFilter(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	readConn, err := s.epoll.Add(conn)
	if err != nil {
		s.log.Error("ws: epoll add failed", "remote", r.RemoteAddr, "err", err)
		conn.Close()
		return
	}

	c := newConnection(uuid.NewString(), readConn, r.RemoteAddr, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, c.RemoteAddr); err != nil {
			s.log.Warn("ws: failed to create session", "conn", c.ID, "err", err)
		}
		cancel()
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeConnectionCreated, protocol.ConnectionCreatedMsg{
		ConnectionID: c.ID,
	})
	if err != nil {
		s.log.Error("ws: failed to build connection_created", "conn", c.ID, "err", err)
	} else if err := c.WriteMessage(greeting); err != nil {
		s.log.Warn("ws: failed to send connection_created", "conn", c.ID, "err", err)
	}

	s.log.Debug("ws: new connection", "conn", c.ID, "fd", c.Fd, "remote", c.RemoteAddr, "total", s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.log.Error("ws: epoll wait error", "err", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on
// a data frame that may never arrive. If the read fails the connection is
// removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		// Not registered yet, or already removed.
		s.epoll.Rearm(netConn)
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer c.processing.Store(0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.epoll.Rearm(netConn)
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	switch {
	case header.OpCode == ws.OpClose:
		s.RemoveConnection(c)
		return
	case header.OpCode.IsControl():
		// The payload must be consumed, or the next header read starts
		// inside it.
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		_ = netConn.SetReadDeadline(time.Time{})
		if header.OpCode == ws.OpPing {
			if err := c.WritePong(payload); err != nil {
				s.RemoveConnection(c)
				return
			}
		}
		s.epoll.Rearm(netConn)
		return
	case header.OpCode == ws.OpContinuation:
		s.log.Warn("ws: continuation frame without a message", "conn", c.ID)
		s.RemoveConnection(c)
		return
	}

	if header.Length > s.config.MaxFrameBytes {
		s.log.Warn("ws: frame too large", "conn", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	// Fragmented messages are reassembled by the reader; interleaved control
	// frames are skipped.
	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxFrameBytes+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if int64(len(data)) > s.config.MaxFrameBytes {
		s.log.Warn("ws: message too large", "conn", c.ID, "bytes", len(data))
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	s.epoll.Rearm(netConn)

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from the poller and the connection
// manager, and closes the underlying network connection. It is safe to call
// more than once; only the first call notifies the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.log.Warn("ws: failed to delete session", "conn", c.ID, "err", err)
		}
		cancel()
	}

	s.log.Debug("ws: connection closed", "conn", c.ID, "total", s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. Unknown or closed connections return an error.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Broadcast writes a text frame to every live connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data, "")
}

// BroadcastExcept writes a text frame to every live connection but connID.
func (s *Server) BroadcastExcept(connID string, data []byte) {
	s.conns.Broadcast(data, connID)
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, stops the event loop and the
// heartbeat, and removes every live connection through the normal disconnect
// path.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("ws: shutting down server")

	s.closeOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.log.Warn("ws: http shutdown error", "err", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.running.Load() {
		select {
		case <-s.loopDone:
		case <-ctx.Done():
		}
	}
	_ = s.epoll.Close()

	s.log.Info("ws: server stopped, all connections closed")
	return err
}
