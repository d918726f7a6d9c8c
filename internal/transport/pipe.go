package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Pipe is the local delivery endpoint between the server and terminal hosts,
// carried over a unix domain socket.
type Pipe struct {
	*Streams
}

func NewPipe() *Pipe {
	return &Pipe{Streams: NewStreams()}
}

// Connect dials the socket at path.
func (p *Pipe) Connect(ctx context.Context, path string) (Handle, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return InvalidHandle, fmt.Errorf("pipe connect %s: %w", path, err)
	}
	return p.Attach(conn), nil
}

// Listen creates the socket at path, replacing a stale socket file left by a
// previous run. Only the owner may connect.
func (p *Pipe) Listen(path string) (Handle, error) {
	if info, err := os.Lstat(path); err == nil {
		if info.Mode().Type() != fs.ModeSocket {
			return InvalidHandle, fmt.Errorf("pipe listen %s: path exists and is not a socket", path)
		}
		os.Remove(path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return InvalidHandle, fmt.Errorf("pipe listen %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return InvalidHandle, fmt.Errorf("pipe listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return InvalidHandle, fmt.Errorf("pipe chmod %s: %w", path, err)
	}

	l := newListener(ln, path)
	go serveNet(ln, l)
	return p.attachListener(l), nil
}
