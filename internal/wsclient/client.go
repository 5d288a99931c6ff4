// Package wsclient is a WebSocket client for the realtime listening server.
// It dials with gobwas/ws (the same library the server uses), waits for the
// connection_created greeting, and queues every inbound frame so callers can
// read them in order. The end-to-end tests and the load generator use it.
package wsclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tandem/music-app/internal/protocol"
)

// ErrClosed is returned by reads after the connection is gone.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one server event.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is a single user connection.
type Client struct {
	conn         net.Conn
	connectionID string
	inbox        chan Frame
	writeMu      sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// Dial connects to url and waits for the connection_created greeting.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:  conn,
		inbox: make(chan Frame, 256),
		done:  make(chan struct{}),
	}
	go c.readLoop(handshakeTail(conn, br))

	greeting, err := c.Expect(ctx, protocol.TypeConnectionCreated)
	if err != nil {
		c.Close()
		return nil, err
	}
	var msg protocol.ConnectionCreatedMsg
	if err := greeting.Decode(&msg); err != nil {
		c.Close()
		return nil, fmt.Errorf("wsclient: decode greeting: %w", err)
	}
	c.connectionID = msg.ConnectionID
	c.connectLatency = time.Since(start)
	return c, nil
}

// ConnectionID is the id the server assigned to this connection.
func (c *Client) ConnectionID() string {
	return c.connectionID
}

// Send encodes msg as JSON and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame.
func (c *Client) SendRaw(data []byte) error {
	if err := c.writeFrame(ws.NewTextFrame(data)); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("wsclient: write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// writeFrame masks and writes f. Frames from the read loop and from callers
// share the lock so their bytes never interleave.
func (c *Client) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.MaskFrame(f))
}

// Announce sends user_connected for userID.
func (c *Client) Announce(userID string) error {
	return c.Send(protocol.UserConnectedMsg{Type: protocol.TypeUserConnected, UserID: userID})
}

// Next returns the next queued frame.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.inbox:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Expect discards frames until one of type msgType arrives.
func (c *Client) Expect(ctx context.Context, msgType string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("wsclient: waiting for %s: %w", msgType, err)
		}
		if f.Type == msgType {
			return f, nil
		}
	}
}

// ExpectNone reports an error if a frame of type msgType arrives within d.
// Frames of other types are discarded.
func (c *Client) ExpectNone(msgType string, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	f, err := c.Expect(ctx, msgType)
	if err == nil {
		return fmt.Errorf("wsclient: unexpected %s: %s", msgType, f.Raw)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// handshakeTail returns the reader frames must be read from. The server may
// send its first frames in the same segment as the 101 response, in which
// case gobwas leaves them in br.
func handshakeTail(conn net.Conn, br *bufio.Reader) io.Reader {
	if br == nil {
		return conn
	}
	buffered := make([]byte, br.Buffered())
	_, _ = io.ReadFull(br, buffered)
	ws.PutReader(br)
	return io.MultiReader(bytes.NewReader(buffered), conn)
}

// readLoop reads frames until the connection fails. A full inbox blocks the
// loop, so callers must keep reading.
func (c *Client) readLoop(src io.Reader) {
	defer close(c.inbox)
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.readFailed()
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				c.readFailed()
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.readFailed()
			return
		}
		if hdr.OpCode != ws.OpText {
			continue
		}
		c.received.Add(1)

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.errors.Add(1)
			continue
		}

		select {
		case c.inbox <- Frame{Type: envelope.Type, Raw: json.RawMessage(data)}:
		case <-c.done:
			return
		}
	}
}

// handleControl answers pings and stops the loop on close.
func (c *Client) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		return ErrClosed
	}
	return nil
}

func (c *Client) readFailed() {
	select {
	case <-c.done:
	default:
		c.errors.Add(1)
	}
}
