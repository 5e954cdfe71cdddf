// Package netconn provides the client dial and server accept loop
// that hand a Transport to the rest of the pipeline: Dial on the
// sender side, Listener on the receiver side.
package netconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/retry"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
)

// DefaultConnectTimeout bounds how long Dial waits for the TCP
// handshake to complete.
const DefaultConnectTimeout = transport.DefaultConnectDeadline

// acceptBacklog mirrors the small backlog the original driver uses
// for its loopback listener; this process expects one or two peers,
// not a public-facing fleet.
const acceptBacklog = 5

// Handler processes one accepted connection. peerAddr is the remote
// address as reported by the kernel.
type Handler func(ctx context.Context, t transport.Transport, peerAddr string)

// Dial connects to host:port with DefaultConnectTimeout, retried
// through policy for transient failures (e.g. the far side's tunnel
// endpoint is still coming up). policy may be nil to disable retries.
func Dial(ctx context.Context, host string, port int, policy *retry.Policy) (transport.Transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if policy == nil {
		return dialOnce(ctx, addr)
	}

	id := "dial:" + addr
	var lastErr error
	for attempt := 0; ; attempt++ {
		t, err := dialOnce(ctx, addr)
		if err == nil {
			policy.RecordSuccess(id)
			return t, nil
		}
		lastErr = err
		policy.RecordFailure(id, err)
		if !policy.ShouldRetry(attempt, err) {
			break
		}
		backoff := policy.NextBackoff(attempt+1, 0)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("netconn: dial %s failed after retries: %w", addr, lastErr)
}

func dialOnce(ctx context.Context, addr string) (transport.Transport, error) {
	d := net.Dialer{Timeout: DefaultConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netconn: dial %s: %w", addr, err)
	}
	return transport.New(conn), nil
}

// Listener binds a port, accepts connections in a loop, and spawns a
// tracked worker per connection that wraps the socket in a Transport
// and invokes Handler.
type Listener struct {
	log      *zap.Logger
	ln       net.Listener
	handler  Handler
	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

// NewListener binds 0.0.0.0:port with address reuse. The listen
// backlog is the Go runtime's default; acceptBacklog is not passed to
// the socket. log may be nil.
func NewListener(port int, handler Handler, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lc := net.ListenConfig{
		Control: reuseAddrControl,
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("netconn: listen on port %d: %w", port, err)
	}
	return &Listener{log: log, ln: ln, handler: handler}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until the listener is closed or ctx is
// cancelled. It returns nil on a clean shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Warn("accept failed", zap.Error(err))
			return err
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			peer := c.RemoteAddr().String()
			l.handler(ctx, transport.New(c), peer)
		}(conn)
	}
}

// Stop closes the listener and joins in-flight workers, abandoning
// them after grace elapses.
func (l *Listener) Stop(grace time.Duration) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	err := l.ln.Close()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		l.log.Warn("listener stop grace period elapsed, abandoning in-flight workers")
	}
	return err
}
