// Package transport abstracts the byte streams a session runs over. Streams
// are addressed by opaque handles so a connection can swap its underlying
// stream during recovery without the rest of the stack noticing.
//
// Every implementation buffers inbound bytes on a background goroutine, so
// HasData and Read never block. Writes block until the bytes are handed to
// the underlying stream.
package transport

import (
	"context"
	"errors"
)

// Handle identifies one stream or listener inside a transport.
type Handle int64

// InvalidHandle means "no live stream".
const InvalidHandle Handle = -1

var (
	// ErrWouldBlock is returned by Read when nothing is buffered yet.
	ErrWouldBlock = errors.New("transport: no data available")

	// ErrPeerClosed reports an orderly close by the peer.
	ErrPeerClosed = errors.New("transport: peer closed connection")

	ErrInvalidHandle = errors.New("transport: invalid handle")
	ErrTimeout       = errors.New("transport: timed out waiting for data")
)

// Transport is the byte-level contract the session layer depends on.
type Transport interface {
	// HasData reports whether Read would return without ErrWouldBlock,
	// including when the stream has hit EOF or an error.
	HasData(h Handle) bool

	// Read copies buffered bytes into p. It returns ErrWouldBlock when no
	// bytes are buffered and io.EOF after the peer closed the stream.
	Read(h Handle, p []byte) (int, error)

	Write(h Handle, p []byte) (int, error)

	Close(h Handle)
}

// Dialer is a Transport that can open outbound streams.
type Dialer interface {
	Transport
	Connect(ctx context.Context, addr string) (Handle, error)
}

// Network is a Dialer that can also accept inbound streams.
type Network interface {
	Dialer

	// Listen starts accepting streams on addr and returns the listener handle.
	Listen(addr string) (Handle, error)

	// Accept returns the next pending stream, or InvalidHandle when none is
	// waiting. HasData on a listener handle reports pending streams.
	Accept(listener Handle) Handle

	// ListenAddr returns the bound address of a listener handle.
	ListenAddr(listener Handle) string
}
