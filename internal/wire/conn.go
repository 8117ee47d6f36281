// Package wire implements the connection-oriented (TCP/TLS) and datagram
// (UDP) transports, the framed message reader, and the outgoing write
// queue. It is grounded on the same net/tls primitives internal/sip
// leaves to sipgo, but owned directly here for explicit control over
// buffering and backpressure that sipgo's transport abstraction does not
// expose as a standalone component.
package wire

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Transport names the three connection kinds this client supports.
type Transport string

const (
	TransportTLS Transport = "tls"
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// DefaultPort returns the conventional port for a transport: 5060 for
// TCP/UDP, 5061 for TLS.
func (t Transport) DefaultPort() int {
	if t == TransportTLS {
		return 5061
	}
	return 5060
}

// Conn is one account connection: a net.Conn plus the stream framer and
// write queue.
type Conn struct {
	transport Transport
	nc        net.Conn
	logger    *slog.Logger
	framer    Framer
	queue     *WriteQueue

	mu     sync.Mutex
	closed bool
}

// Dial connects to addr over transport. tlsConfig is used only when
// transport is TransportTLS.
func Dial(ctx context.Context, transport Transport, addr string, tlsConfig *tls.Config, logger *slog.Logger) (*Conn, error) {
	var (
		nc  net.Conn
		err error
	)
	switch transport {
	case TransportTLS:
		d := &tls.Dialer{Config: tlsConfig}
		nc, err = d.DialContext(ctx, "tcp", addr)
	case TransportTCP:
		var dialer net.Dialer
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	case TransportUDP:
		var dialer net.Dialer
		nc, err = dialer.DialContext(ctx, "udp", addr)
	default:
		return nil, fmt.Errorf("wire: unknown transport %q", transport)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: connecting to %s over %s: %w", addr, transport, err)
	}

	return &Conn{
		transport: transport,
		nc:        nc,
		logger:    logger.With("subsystem", "wire", "transport", string(transport), "remote", addr),
		queue:     NewWriteQueue(25),
	}, nil
}

// Transport reports which transport this connection uses.
func (c *Conn) Transport() Transport { return c.transport }

// LocalAddr reports the local "host:port" this connection bound, used to
// build the Contact header every outgoing request carries.
func (c *Conn) LocalAddr() string { return c.nc.LocalAddr().String() }

// Serve reads frames off the connection until it closes or a parse error
// desynchronizes the stream, invoking onMessage for each complete SIP
// message and onError exactly once before returning. Serve blocks and is
// meant to run on its own goroutine; the caller is responsible for
// posting onMessage/onError back onto the account's single event-loop
// channel rather than acting on them inline here.
func (c *Conn) Serve(onMessage func([]byte), onError func(error)) {
	buf := make([]byte, 8192)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if c.transport == TransportUDP {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				if !bytes.Contains(frame, []byte("\r\n\r\n")) {
					onError(newParseError("truncated datagram"))
					return
				}
				onMessage(frame)
			} else {
				frames, ferr := c.framer.Feed(buf[:n])
				for _, f := range frames {
					onMessage(f)
				}
				if ferr != nil {
					onError(ferr)
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				onError(ErrWireClosed)
			} else if !c.isClosed() {
				onError(fmt.Errorf("%w: %v", ErrWireClosed, err))
			}
			return
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send enqueues a fully-serialized message for transmission.
func (c *Conn) Send(ctx context.Context, raw []byte) error {
	if c.isClosed() {
		return ErrWireClosed
	}
	return c.queue.Enqueue(ctx, c.nc, raw)
}

// Close tears down the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}
