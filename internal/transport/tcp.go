package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds a single TCP connect attempt.
const DefaultDialTimeout = 5 * time.Second

// TCP is the TCP implementation of Network.
type TCP struct {
	*Streams
	dialer net.Dialer
}

// NewTCP returns a TCP transport. A zero dialTimeout uses DefaultDialTimeout.
func NewTCP(dialTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &TCP{
		Streams: NewStreams(),
		dialer:  net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
	}
}

// Connect dials addr ("host:port").
func (t *TCP) Connect(ctx context.Context, addr string) (Handle, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return InvalidHandle, fmt.Errorf("tcp connect %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return t.Attach(conn), nil
}

// Listen binds addr ("host:port"; port 0 picks a free port).
func (t *TCP) Listen(addr string) (Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return InvalidHandle, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	l := newListener(ln, ln.Addr().String())
	go serveNet(ln, l)
	return t.attachListener(l), nil
}

// BoundPort returns the TCP port of a listener handle, or 0.
func (t *TCP) BoundPort(h Handle) int {
	_, port, err := net.SplitHostPort(t.ListenAddr(h))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
