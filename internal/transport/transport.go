// Package transport implements the blocking, read-exactly/write-all
// byte stream contract that FrameCodec is built on top of.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by any operation on a Transport after Close
// has been called.
var ErrClosed = errors.New("transport: closed")

// ErrTimeout is returned when a read or write exceeds its deadline.
var ErrTimeout = errors.New("transport: timeout")

// BufferRole selects which socket buffer tune_buffer adjusts.
type BufferRole int

const (
	BufferSend BufferRole = iota
	BufferRecv
)

// Transport is a bidirectional, blocking byte stream with
// read-exactly / write-all semantics and a socket-buffer tuning hook.
// Reads and writes are each serialized per direction; callers never
// observe a short read.
type Transport interface {
	// ReadExact blocks until exactly n bytes have arrived, or fails
	// with ErrClosed / ErrTimeout.
	ReadExact(n int) ([]byte, error)
	// WriteAll writes every byte of b or fails the same way.
	WriteAll(b []byte) error
	// Close is idempotent; subsequent reads/writes fail with ErrClosed.
	Close() error
	// TuneBuffer is a hint: it updates the OS-level socket send or
	// receive buffer when the change exceeds 10% of the current size.
	// Failure to apply the hint is not a fatal error.
	TuneBuffer(role BufferRole, size int) error
	// SetDeadlines sets the per-call deadline applied to subsequent
	// reads and writes. Zero means no deadline.
	SetDeadlines(read, write time.Duration)
}

// DefaultDataDeadline and DefaultConnectDeadline are the contract's
// default per-call deadlines.
const (
	DefaultDataDeadline    = 30 * time.Second
	DefaultConnectDeadline = 10 * time.Second
)

// tcpTransport implements Transport over a net.Conn, normally a
// *net.TCPConn dialed or accepted through a local end of an SSH
// tunnel.
type tcpTransport struct {
	conn net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	readDeadline  time.Duration
	writeDeadline time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	curSend int
	curRecv int
}

// New wraps conn in a Transport with the contract's default deadlines.
func New(conn net.Conn) Transport {
	t := &tcpTransport{
		conn:          conn,
		readDeadline:  DefaultDataDeadline,
		writeDeadline: DefaultDataDeadline,
		closed:        make(chan struct{}),
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if sz, err := socketBufferSize(tc, BufferSend); err == nil {
			t.curSend = sz
		}
		if sz, err := socketBufferSize(tc, BufferRecv); err == nil {
			t.curRecv = sz
		}
	}
	return t
}

func (t *tcpTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *tcpTransport) ReadExact(n int) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if t.readDeadline > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readDeadline))
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(t.conn, buf)
	if err != nil {
		if t.isClosed() {
			return nil, ErrClosed
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read exact %d bytes: %w", n, err)
	}
	return buf, nil
}

func (t *tcpTransport) WriteAll(b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeDeadline > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeDeadline))
	}
	written := 0
	for written < len(b) {
		n, err := t.conn.Write(b[written:])
		written += n
		if err != nil {
			if t.isClosed() {
				return ErrClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrTimeout
			}
			return fmt.Errorf("write all %d bytes: %w", len(b), err)
		}
	}
	return nil
}

func (t *tcpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *tcpTransport) SetDeadlines(read, write time.Duration) {
	t.readMu.Lock()
	t.readDeadline = read
	t.readMu.Unlock()

	t.writeMu.Lock()
	t.writeDeadline = write
	t.writeMu.Unlock()
}

// TuneBuffer adjusts the socket send or receive buffer when the
// requested size differs from the current one by more than 10%.
// Failures to apply are swallowed by design: the caller treats this
// as a hint, not a requirement.
func (t *tcpTransport) TuneBuffer(role BufferRole, size int) error {
	if size <= 0 {
		return nil
	}
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	var current *int
	switch role {
	case BufferSend:
		current = &t.curSend
	case BufferRecv:
		current = &t.curRecv
	default:
		return nil
	}

	if *current > 0 {
		delta := size - *current
		if delta < 0 {
			delta = -delta
		}
		if float64(delta) <= 0.10*float64(*current) {
			return nil
		}
	}

	var err error
	switch role {
	case BufferSend:
		err = tc.SetWriteBuffer(size)
	case BufferRecv:
		err = tc.SetReadBuffer(size)
	}
	if err != nil {
		return nil // hint only, never fatal
	}
	*current = size
	return nil
}

// socketBufferSize best-effort reads back the current socket buffer
// size via the platform-specific helper in transport_unix.go /
// transport_other.go, falling back to 0 (unknown) when unsupported.
func socketBufferSize(tc *net.TCPConn, role BufferRole) (int, error) {
	return readSocketBuffer(tc, role)
}
