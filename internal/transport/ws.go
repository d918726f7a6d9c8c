package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsPath = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket carries session bytes as binary WebSocket messages, which lets a
// session cross HTTP proxies and tunnels that only pass WebSocket traffic.
type WebSocket struct {
	*Streams
	dialer *websocket.Dialer
}

// NewWebSocket returns a WebSocket transport. A zero dialTimeout uses
// DefaultDialTimeout.
func NewWebSocket(dialTimeout time.Duration) *WebSocket {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = dialTimeout
	return &WebSocket{Streams: NewStreams(), dialer: &d}
}

// Connect dials addr, which is either a ws:// / wss:// URL or "host:port".
func (t *WebSocket) Connect(ctx context.Context, addr string) (Handle, error) {
	wsURL, err := normalizeWSURL(addr)
	if err != nil {
		return InvalidHandle, err
	}
	conn, _, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return InvalidHandle, fmt.Errorf("websocket connect %s: %w", wsURL, err)
	}
	return t.Attach(newWSConn(conn)), nil
}

// Listen serves WebSocket upgrades on addr ("host:port") at /ws.
func (t *WebSocket) Listen(addr string) (Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return InvalidHandle, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	l := newListener(srv, ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.push(newWSConn(conn))
	})
	srv.Handler = mux

	go func() {
		_ = srv.Serve(ln)
		l.close()
	}()

	return t.attachListener(l), nil
}

// normalizeWSURL turns "host:port" or a ws URL into a full ws URL ending in /ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, wsPath), nil
}

// ---------------------------------------------------------------------------
// wsConn
// ---------------------------------------------------------------------------

// wsConn adapts a message-oriented websocket.Conn to a byte stream.
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader // current message reader; only the stream goroutine reads

	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}

		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
