//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines without the epoll optimization.
type Epoll struct {
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can wait for data without consuming
// it. The monitor and the reader take turns: after a readiness signal the
// monitor waits for Rearm before peeking again.
type peekConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
	stop   sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. The returned wrapper must be used for all reads
// and is the value Wait reports.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{
		Conn:   conn,
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	go e.monitor(pc)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)
		select {
		case e.readyCh <- pc:
		case <-pc.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The reader sees the same error and removes the connection.
			return
		}
		select {
		case <-pc.resume:
		case <-pc.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	if pc, ok := conn.(*peekConn); ok {
		pc.stop.Do(func() { close(pc.gone) })
	}
	return nil
}

// Rearm lets the monitor wait for the next frame on conn.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection is ready for reading, or returns
// an empty slice after a short timeout so the caller can check for shutdown.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var conns []net.Conn
	select {
	case first := <-e.readyCh:
		conns = append(conns, first)
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(200 * time.Millisecond):
		return nil, nil
	}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is not needed by the fallback.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
