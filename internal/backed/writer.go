package backed

import (
	"sync"

	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

// DefaultMaxBackupBytes bounds the replay history kept by a Writer.
const DefaultMaxBackupBytes = 64 * 1024 * 1024

// WriteState is the outcome of Writer.Write.
type WriteState int

const (
	// WriteSkipped means there was no live transport; nothing changed.
	WriteSkipped WriteState = iota
	// WriteSuccess means the frame reached the transport.
	WriteSuccess
	// WroteWithFailure means the packet was recorded for replay but the
	// transport write failed; the connection should be recycled.
	WroteWithFailure
)

func (s WriteState) String() string {
	switch s {
	case WriteSkipped:
		return "skipped"
	case WriteSuccess:
		return "success"
	case WroteWithFailure:
		return "wrote-with-failure"
	}
	return "unknown"
}

// Writer encrypts outbound packets, records them for replay and writes their
// frames. Frames reach the transport in sequence order.
type Writer struct {
	mu     sync.Mutex // recovery lock, guards everything below
	sendMu sync.Mutex // serialises encrypt-record-write so frames keep nonce order

	tr     transport.Transport
	crypto *crypto.Handler
	handle transport.Handle
	seq    int64

	backup      [][]byte // serialized packets, oldest first
	backupBytes int
	maxBackup   int
}

// NewWriter returns a Writer bound to h. maxBackupBytes <= 0 uses
// DefaultMaxBackupBytes.
func NewWriter(tr transport.Transport, ch *crypto.Handler, h transport.Handle, maxBackupBytes int) *Writer {
	if maxBackupBytes <= 0 {
		maxBackupBytes = DefaultMaxBackupBytes
	}
	return &Writer{tr: tr, crypto: ch, handle: h, maxBackup: maxBackupBytes}
}

func (w *Writer) Lock()   { w.mu.Lock() }
func (w *Writer) Unlock() { w.mu.Unlock() }

// Sequence returns the number of packets recorded so far.
func (w *Writer) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Write records pkt and sends it on the current transport. The transport
// write happens after the recovery lock is released.
func (w *Writer) Write(pkt protocol.Packet) (WriteState, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	if w.handle == transport.InvalidHandle {
		w.mu.Unlock()
		return WriteSkipped, nil
	}

	sealed := protocol.Packet{
		Encrypted: true,
		Kind:      pkt.Kind,
		Payload:   w.crypto.Encrypt(pkt.Payload),
	}
	data := sealed.Serialize()
	w.backup = append(w.backup, data)
	w.backupBytes += len(data)
	w.seq++
	for w.backupBytes > w.maxBackup && len(w.backup) > 0 {
		w.backupBytes -= len(w.backup[0])
		w.backup[0] = nil
		w.backup = w.backup[1:]
	}
	h := w.handle
	w.mu.Unlock()

	frame, err := protocol.EncodeFrame(sealed)
	if err != nil {
		return WroteWithFailure, err
	}
	if err := transport.WriteAll(w.tr, h, frame); err != nil {
		return WroteWithFailure, err
	}
	return WriteSuccess, nil
}

// Recover returns the serialized packets the peer has not seen, oldest
// first, given the peer's reader sequence. The caller must hold the lock and
// the writer must have no live transport.
func (w *Writer) Recover(peerLastSeen int64) ([][]byte, error) {
	if w.handle != transport.InvalidHandle {
		return nil, ErrRecoverLiveHandle
	}

	missing := w.seq - peerLastSeen
	switch {
	case missing < 0:
		return nil, ErrPeerAhead
	case missing == 0:
		return nil, nil
	case missing > int64(len(w.backup)):
		return nil, ErrPeerTooFarBehind
	}

	out := make([][]byte, missing)
	copy(out, w.backup[int64(len(w.backup))-missing:])
	return out, nil
}

// Revive rebinds the writer to h after recovery. The caller must hold the
// lock.
func (w *Writer) Revive(h transport.Handle) {
	w.handle = h
}

// InvalidateSocket detaches the writer from its transport.
func (w *Writer) InvalidateSocket() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handle = transport.InvalidHandle
}
