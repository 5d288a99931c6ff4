package wsclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"

	"github.com/tandem/music-app/internal/protocol"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// eagerServer completes the handshake and writes frames in the same TCP
// segment as the 101 response, then runs after(conn).
func eagerServer(t *testing.T, frames [][]byte, after func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		sum := sha1.Sum([]byte(req.Header.Get("Sec-WebSocket-Key") + acceptGUID))

		var out bytes.Buffer
		out.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
		out.WriteString("Upgrade: websocket\r\n")
		out.WriteString("Connection: Upgrade\r\n")
		out.WriteString("Sec-WebSocket-Accept: " + base64.StdEncoding.EncodeToString(sum[:]) + "\r\n\r\n")
		for _, f := range frames {
			out.Write(ws.MustCompileFrame(ws.NewTextFrame(f)))
		}
		if _, err := conn.Write(out.Bytes()); err != nil {
			return
		}
		if after != nil {
			after(&bufferedConn{Conn: conn, r: br})
		}
	}()
	return "ws://" + ln.Addr().String() + "/ws"
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func encode(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	require.NoError(t, err)
	return data
}

func TestDial_GreetingInHandshakeSegment(t *testing.T) {
	url := eagerServer(t, [][]byte{
		encode(t, protocol.TypeConnectionCreated, protocol.ConnectionCreatedMsg{ConnectionID: "c-42"}),
		encode(t, protocol.TypeUsersOnline, protocol.UsersOnlineMsg{UserIDs: []string{"alice"}}),
	}, func(conn net.Conn) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "c-42", c.ConnectionID())

	f, err := c.Expect(ctx, protocol.TypeUsersOnline)
	require.NoError(t, err)
	var online protocol.UsersOnlineMsg
	require.NoError(t, f.Decode(&online))
	require.Equal(t, []string{"alice"}, online.UserIDs)
}

func TestReadLoop_AnswersPing(t *testing.T) {
	pong := make(chan ws.Frame, 1)
	url := eagerServer(t, [][]byte{
		encode(t, protocol.TypeConnectionCreated, protocol.ConnectionCreatedMsg{ConnectionID: "c-1"}),
	}, func(conn net.Conn) {
		if err := ws.WriteFrame(conn, ws.NewPingFrame([]byte("beat"))); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := ws.ReadFrame(conn)
		if err != nil {
			return
		}
		pong <- ws.UnmaskFrameInPlace(f)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	select {
	case f := <-pong:
		require.Equal(t, ws.OpPong, f.Header.OpCode)
		require.Equal(t, []byte("beat"), f.Payload)
	case <-ctx.Done():
		t.Fatal("no pong received")
	}
}

func TestExpectNone(t *testing.T) {
	url := eagerServer(t, [][]byte{
		encode(t, protocol.TypeConnectionCreated, protocol.ConnectionCreatedMsg{ConnectionID: "c-1"}),
		encode(t, protocol.TypeActivities, protocol.ActivitiesMsg{}),
	}, func(conn net.Conn) {
		time.Sleep(time.Second)
	})

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer c.Close()

	require.Error(t, c.ExpectNone(protocol.TypeActivities, time.Second))
	require.NoError(t, c.ExpectNone(protocol.TypeSyncRequest, 100*time.Millisecond))
}
