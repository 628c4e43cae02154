// Package fixtransport is the frame-oriented byte carrier (C3): TCP,
// optionally wrapped in TLS, with deadline- and context-aware send/recv
// and an internal buffer that holds partial frames across calls.
//
// Send's goroutine-plus-select pattern is carried directly from the
// teacher's brokerCxn.writeConn (pkg/kgo/broker.go): a background
// goroutine does the blocking write, the caller selects on its
// completion against a context and the connection's own shutdown
// channel, and a deadline is used to unstick the goroutine on
// cancellation rather than leaving it to leak. Recv reads inline under
// a read deadline set from its own deadline argument.
package fixtransport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/coreline/goldfix/internal/flog"
	"github.com/coreline/goldfix/pkg/fix"
)

const defaultBufferSize = 4096

// Options configures a single Connection.
type Options struct {
	UseTLS         bool
	TLS            TLSConfig
	ConnectTimeout time.Duration
	BufferSize     int
}

// Connection is a single framed byte carrier. Send is all-or-nothing
// with respect to one FIX frame and serializes concurrent callers; Recv
// fills an internal buffer and returns as soon as at least one complete
// frame is extractable.
type Connection struct {
	conn net.Conn
	log  flog.Logger

	writeMu sync.Mutex

	readMu sync.Mutex
	buf    []byte

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newConnection(conn net.Conn, log flog.Logger, bufSize int) *Connection {
	if log == nil {
		log = flog.Nop{}
	}
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Connection{
		conn:     conn,
		log:      log,
		buf:      make([]byte, 0, bufSize),
		closedCh: make(chan struct{}),
	}
}

// Dial opens an initiator connection to addr, optionally wrapping it in
// TLS per opts.
func Dial(ctx context.Context, addr string, opts Options, log flog.Logger) (*Connection, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportErrf(err, "dialing %q", addr)
	}

	if opts.UseTLS {
		tlsCfg, err := buildTLSConfig(opts.TLS, false)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		hsTimeout := timeout
		if opts.TLS.ConnectionTimeout > 0 {
			hsTimeout = time.Duration(opts.TLS.ConnectionTimeout)
		}
		if err := handshake(ctx, tlsConn, hsTimeout); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return newConnection(conn, log, opts.BufferSize), nil
}

// Accept wraps an already-accepted net.Conn (from a net.Listener the
// caller owns — listener lifecycle is outside this package's scope, per
// spec.md §1's non-goals) as a server-side Connection, optionally
// requiring/validating a TLS client certificate.
func Accept(ctx context.Context, conn net.Conn, opts Options, log flog.Logger) (*Connection, error) {
	if opts.UseTLS {
		tlsCfg, err := buildTLSConfig(opts.TLS, true)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Server(conn, tlsCfg)
		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if opts.TLS.ConnectionTimeout > 0 {
			timeout = time.Duration(opts.TLS.ConnectionTimeout)
		}
		if err := handshake(ctx, tlsConn, timeout); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return newConnection(conn, log, opts.BufferSize), nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	done := make(chan error, 1)
	go func() { done <- conn.HandshakeContext(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return transportErrf(err, "TLS handshake failed")
		}
		return nil
	case <-ctx.Done():
		conn.SetDeadline(time.Now())
		<-done
		return transportErrf(ctx.Err(), "TLS handshake canceled")
	}
}

// Send writes one already-encoded FIX frame. Concurrent Send calls are
// serialized so frames never interleave.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closedCh:
		return ErrClosed
	default:
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(frame)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return transportErrf(err, "writing frame")
		}
		return nil
	case <-ctx.Done():
		c.conn.SetWriteDeadline(time.Now())
		<-done
		return transportErrf(ctx.Err(), "send canceled")
	case <-c.closedCh:
		c.conn.SetWriteDeadline(time.Now())
		<-done
		return ErrClosed
	}
}

// Recv returns the next complete FIX frame's raw bytes, blocking until
// one is available, the deadline passes, or the connection closes.
// Partial frames remain buffered across calls.
func (c *Connection) Recv(deadline time.Time) (*fix.Message, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if msg, raw, n, err := tryExtract(c.buf); err != nil {
			return nil, nil, err
		} else if n > 0 {
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return msg, raw, nil
		}

		select {
		case <-c.closedCh:
			return nil, nil, ErrClosed
		default:
		}

		if !deadline.IsZero() {
			c.conn.SetReadDeadline(deadline)
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		chunk := make([]byte, 4096)
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			select {
			case <-c.closedCh:
				return nil, nil, ErrClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil, ErrTimeout
			}
			return nil, nil, transportErrf(err, "reading from connection")
		}
	}
}

func tryExtract(buf []byte) (*fix.Message, []byte, int, error) {
	msg, n, err := fix.Extract(buf)
	if err == fix.ErrNeedMore {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, transportErrf(err, "frame extraction failed")
	}
	return msg, append([]byte(nil), buf[:n]...), n, nil
}

// Close shuts down the connection. Safe to call more than once and
// concurrently with Send/Recv, both of which return ErrClosed promptly
// afterward.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.conn.Close()
	})
	return nil
}
