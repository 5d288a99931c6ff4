package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tandem/music-app/internal/protocol"
)

// pipeConn returns a server-side Connection and the client end of the pipe.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newConnection(id, server, "pipe", time.Second), client
}

// readFrame reads one server text frame from the client end.
func readFrame(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "a")
	b, _ := pipeConn(t, "b")

	cm.Add(a)
	cm.Add(b)
	if cm.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.Count())
	}
	if cm.Get("a") != a {
		t.Fatal("Get(a) returned the wrong connection")
	}
	if cm.GetByConn(b.Conn) != b {
		t.Fatal("GetByConn returned the wrong connection")
	}

	if !cm.Remove("a") {
		t.Fatal("expected first Remove to succeed")
	}
	if cm.Remove("a") {
		t.Fatal("expected second Remove to report false")
	}
	if cm.Get("a") != nil || cm.GetByConn(a.Conn) != nil {
		t.Fatal("removed connection still indexed")
	}
	if cm.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", cm.Count())
	}
}

func TestConnectionManager_BroadcastExcept(t *testing.T) {
	cm := NewConnectionManager()
	a, clientA := pipeConn(t, "a")
	b, clientB := pipeConn(t, "b")
	cm.Add(a)
	cm.Add(b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cm.Broadcast([]byte(`{"type":"activities","activities":[]}`), "a")
	}()

	got := readFrame(t, clientB)
	if got["type"] != "activities" {
		t.Fatalf("expected activities frame, got %v", got)
	}
	<-done

	// Nothing was written to the excluded connection.
	_ = clientA.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := clientA.Read(buf); err == nil || n > 0 {
		t.Fatal("excluded connection received data")
	}
}

func TestConnection_Touch(t *testing.T) {
	c, _ := pipeConn(t, "a")
	before := c.LastActive()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	if !c.LastActive().After(before) {
		t.Fatal("Touch did not advance LastActive")
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatch_ParseErrorAndUnsupported(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, client := pipeConn(t, "a")

	go d.Dispatch(c, []byte("not json"))
	frame := readFrame(t, client)
	if frame["type"] != protocol.TypeError || frame["code"] != "parse_error" {
		t.Fatalf("expected parse_error, got %v", frame)
	}

	// A valid client event with no registered handler.
	go d.Dispatch(c, []byte(`{"type":"sync_song","userId":"u1","songId":"S1"}`))
	frame = readFrame(t, client)
	if frame["type"] != protocol.TypeError || frame["code"] != "unsupported_type" {
		t.Fatalf("expected unsupported_type, got %v", frame)
	}
}

func TestDispatch_PingPong(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, client := pipeConn(t, "a")

	go d.Dispatch(c, []byte(`{"type":"ping"}`))
	frame := readFrame(t, client)
	if frame["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher(nil)
	c, _ := pipeConn(t, "a")

	got := make(chan interface{}, 1)
	d.Register(protocol.TypeUpdateActivity, func(conn *Connection, msg interface{}) {
		got <- msg
	})

	d.Dispatch(c, []byte(`{"type":"update_activity","userId":"u1","activity":"Playing S1 by A"}`))

	select {
	case msg := <-got:
		m, ok := msg.(protocol.UpdateActivityMsg)
		if !ok {
			t.Fatalf("expected UpdateActivityMsg, got %T", msg)
		}
		if m.UserID != "u1" || m.Activity != "Playing S1 by A" {
			t.Fatalf("unexpected payload %+v", m)
		}
	default:
		t.Fatal("handler was not called")
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

type fakeSessions struct {
	mu      sync.Mutex
	deleted []string
	touched []string
}

func (f *fakeSessions) Create(ctx context.Context, connID, remoteAddr string) error { return nil }

func (f *fakeSessions) Delete(ctx context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, connID)
	return nil
}

func (f *fakeSessions) Touch(ctx context.Context, connIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, connIDs...)
	return nil
}

func TestCheckConnections_EvictsStale(t *testing.T) {
	sessions := &fakeSessions{}
	s, err := NewServer(DefaultServerConfig(), nil, sessions, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.epoll.Close()

	var (
		mu      sync.Mutex
		removed []string
	)
	s.SetOnDisconnect(func(connID string) {
		mu.Lock()
		removed = append(removed, connID)
		mu.Unlock()
	})

	stale, _ := pipeConn(t, "stale")
	live, liveClient := pipeConn(t, "live")
	go io.Copy(io.Discard, liveClient)
	s.conns.Add(stale)
	s.conns.Add(live)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	stale.lastActive.Store(time.Now().Add(-time.Minute).UnixNano())

	checkConnections(s, cfg, time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected only stale to be evicted, got %v", removed)
	}
	if s.conns.Get("live") == nil {
		t.Fatal("live connection was evicted")
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.deleted) != 1 || sessions.deleted[0] != "stale" {
		t.Fatalf("expected the stale session to be deleted, got %v", sessions.deleted)
	}
	if len(sessions.touched) != 1 || sessions.touched[0] != "live" {
		t.Fatalf("expected only the live session to be refreshed, got %v", sessions.touched)
	}
}

// ---------------------------------------------------------------------------
// Frame handling
// ---------------------------------------------------------------------------

func TestHandleConn_ControlAndFragmentedFrames(t *testing.T) {
	s, err := NewServer(DefaultServerConfig(), nil, nil, NewMessageDispatcher(nil).Dispatch)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+ln.Addr().String()+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	var src io.Reader = conn
	if br != nil {
		src = br
	}
	next := func() ws.Frame {
		t.Helper()
		f, err := ws.ReadFrame(src)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return f
	}
	write := func(f ws.Frame) {
		t.Helper()
		if err := ws.WriteFrame(conn, ws.MaskFrame(f)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	if f := next(); f.Header.OpCode != ws.OpText {
		t.Fatalf("expected connection_created text frame, got %v", f.Header.OpCode)
	}

	// A ping with a payload is answered and leaves the stream aligned.
	write(ws.NewPingFrame([]byte("still here")))
	f := next()
	if f.Header.OpCode != ws.OpPong || string(f.Payload) != "still here" {
		t.Fatalf("expected pong echoing the payload, got %v %q", f.Header.OpCode, f.Payload)
	}

	// A message split over two frames is handled as one.
	write(ws.NewFrame(ws.OpText, false, []byte(`{"type":`)))
	write(ws.NewFrame(ws.OpContinuation, true, []byte(`"ping"}`)))
	f = next()
	var msg map[string]interface{}
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		t.Fatalf("decode %q: %v", f.Payload, err)
	}
	if msg["type"] != protocol.TypePong {
		t.Fatalf("expected pong message, got %v", msg)
	}
}
