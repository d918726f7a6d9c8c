// Package backed implements the sequence-tracked halves of a session: a
// reader that reassembles frames and accepts replayed packets after a
// reconnect, and a writer that keeps a bounded history for replay.
package backed

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

var (
	ErrPeerClosed = errors.New("backed: peer closed transport")

	// ErrUnrecoverable marks a session whose history can no longer be
	// replayed; reconnecting will not resume it.
	ErrUnrecoverable = errors.New("backed: session cannot be recovered")

	ErrPeerAhead         = fmt.Errorf("%w: peer claims packets this side never wrote", ErrUnrecoverable)
	ErrPeerTooFarBehind  = fmt.Errorf("%w: backup buffer no longer holds the missing packets", ErrUnrecoverable)
	ErrRecoverLiveHandle = errors.New("backed: recover called with a live transport")
)

// Reader decodes frames from the current transport handle. After a
// reconnect it first returns the packets replayed by the peer.
//
// The mutex is the recovery lock: Read holds it while it runs, and a
// Connection holds it across the whole recovery exchange (see Lock).
type Reader struct {
	mu sync.Mutex

	tr     transport.Transport
	crypto *crypto.Handler
	handle transport.Handle
	seq    int64

	revived [][]byte // serialized packets from the peer's catch-up buffer
	frames  *transport.FrameReader
}

// NewReader returns a Reader bound to h.
func NewReader(tr transport.Transport, ch *crypto.Handler, h transport.Handle) *Reader {
	return &Reader{tr: tr, crypto: ch, handle: h, frames: transport.NewFrameReader(tr, h)}
}

func (r *Reader) Lock()   { r.mu.Lock() }
func (r *Reader) Unlock() { r.mu.Unlock() }

// Sequence returns the number of packets fully decoded so far, including
// replayed packets.
func (r *Reader) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// SequenceLocked is Sequence for callers that already hold the lock.
func (r *Reader) SequenceLocked() int64 {
	return r.seq
}

// HasData reports whether Read may return a packet without blocking.
func (r *Reader) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.revived) > 0 {
		return true
	}
	if r.handle == transport.InvalidHandle {
		return false
	}
	return r.tr.HasData(r.handle)
}

// Read returns the next packet. ok is false with a nil error when no complete
// packet is available yet. Any error is a hard failure of the current
// transport: peer close, framing violation or authentication failure.
func (r *Reader) Read() (pkt protocol.Packet, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.revived) > 0 {
		data := r.revived[0]
		r.revived[0] = nil
		r.revived = r.revived[1:]
		pkt, err := r.decode(data)
		if err != nil {
			return protocol.Packet{}, false, err
		}
		return pkt, true, nil
	}

	if r.handle == transport.InvalidHandle {
		return protocol.Packet{}, false, nil
	}

	data, ok, err := r.frames.Next()
	switch {
	case errors.Is(err, transport.ErrPeerClosed):
		return protocol.Packet{}, false, ErrPeerClosed
	case err != nil:
		return protocol.Packet{}, false, err
	case !ok:
		return protocol.Packet{}, false, nil
	}
	pkt, err = r.decode(data)
	if err != nil {
		return protocol.Packet{}, false, err
	}
	r.seq++
	return pkt, true, nil
}

// decode parses a serialized packet and decrypts it when flagged.
func (r *Reader) decode(data []byte) (protocol.Packet, error) {
	pkt := protocol.Parse(data)
	if !pkt.Encrypted {
		return pkt, nil
	}
	plain, err := r.crypto.Decrypt(pkt.Payload)
	if err != nil {
		return protocol.Packet{}, err
	}
	pkt.Payload = plain
	pkt.Encrypted = false
	return pkt, nil
}

// Revive rebinds the reader to h after recovery and queues the packets the
// peer replayed. The sequence advances by len(replayed) immediately. The
// caller must hold the lock.
func (r *Reader) Revive(h transport.Handle, replayed [][]byte) {
	r.frames.Reset(h)
	r.revived = append(r.revived, replayed...)
	r.seq += int64(len(replayed))
	r.handle = h
}

// InvalidateSocket detaches the reader from its transport.
func (r *Reader) InvalidateSocket() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = transport.InvalidHandle
	r.frames.Reset(transport.InvalidHandle)
}
