// Package connection ties a BackedReader and BackedWriter to a swappable
// transport handle and implements session recovery. ClientConnection adds
// the connect handshake and the reconnect loop; ServerClientConnection is
// the server's view of one client.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/backed"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

const writeRetryInterval = 5 * time.Millisecond

var (
	ErrInvalidKey       = errors.New("connection: server rejected client id or key")
	ErrProtocolMismatch = errors.New("connection: protocol version mismatch")
	ErrUnexpectedStatus = errors.New("connection: unexpected handshake status")
	ErrShuttingDown     = errors.New("connection: shutting down")

	// ErrSessionLost means the server answered a reconnect as if the client
	// were new, so the old session's history is gone.
	ErrSessionLost = fmt.Errorf("%w: server no longer knows this session", backed.ErrUnrecoverable)
)

// Options configures a Connection. The zero value is usable.
type Options struct {
	Logger           *pterm.Logger
	Stats            *util.Stats
	MaxBackupBytes   int           // 0 uses backed.DefaultMaxBackupBytes
	HandshakeTimeout time.Duration // 0 uses transport.HandshakeTimeout
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return transport.HandshakeTimeout
}

// Connection owns one session's reader, writer and current transport handle.
//
// Lock order: Connection.mu, then Reader, then Writer. Reader and Writer
// methods used on the data path take only their own lock.
type Connection struct {
	tr    transport.Transport
	id    string
	key   []byte
	opts  Options
	log   *pterm.Logger
	stats *util.Stats

	mu           sync.Mutex
	handle       transport.Handle
	reader       *backed.Reader
	writer       *backed.Writer
	state        State
	shuttingDown bool

	// lost handles a hard transport failure on handle h. The base behaviour
	// only closes the socket; ClientConnection also starts reconnecting.
	lost func(h transport.Handle)
}

func newConnection(tr transport.Transport, id string, key []byte, opts Options) *Connection {
	c := &Connection{
		tr:     tr,
		id:     id,
		key:    key,
		opts:   opts,
		log:    util.OrNop(opts.Logger),
		stats:  opts.Stats,
		handle: transport.InvalidHandle,
	}
	c.lost = func(h transport.Handle) { c.closeSocketIf(h) }
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Handle() transport.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

func (c *Connection) Reader() *backed.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

func (c *Connection) Writer() *backed.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// setStateLocked moves to s unless the connection is shutting down.
func (c *Connection) setStateLocked(s State) {
	if c.state == StateShuttingDown {
		return
	}
	c.state = s
}

// ---------------------------------------------------------------------------
// Data path
// ---------------------------------------------------------------------------

// HasData reports whether ReadPacket may return a packet.
func (c *Connection) HasData() bool {
	r := c.Reader()
	return r != nil && r.HasData()
}

// ReadPacket returns the next packet if one is available. A hard transport
// failure is handled internally and reported as "no packet".
func (c *Connection) ReadPacket() (protocol.Packet, bool) {
	c.mu.Lock()
	r, h := c.reader, c.handle
	c.mu.Unlock()
	if r == nil {
		return protocol.Packet{}, false
	}

	pkt, ok, err := r.Read()
	if err != nil {
		c.log.Debug("read failed, dropping transport", c.log.Args("id", c.id, "error", err))
		c.lost(h)
		return protocol.Packet{}, false
	}
	if ok {
		c.stats.AddRecv(pkt.Len())
	}
	return pkt, ok
}

// NextPacket polls ReadPacket until a packet arrives, ctx ends or the
// connection shuts down.
func (c *Connection) NextPacket(ctx context.Context) (protocol.Packet, error) {
	for {
		if pkt, ok := c.ReadPacket(); ok {
			return pkt, nil
		}
		if c.IsShuttingDown() {
			return protocol.Packet{}, ErrShuttingDown
		}
		select {
		case <-ctx.Done():
			return protocol.Packet{}, ctx.Err()
		case <-time.After(writeRetryInterval):
		}
	}
}

// Write makes one attempt to send pkt. It returns false when there is no live
// transport. A packet written with a transport failure counts as accepted:
// it is in the backup buffer and will be replayed after recovery.
func (c *Connection) Write(pkt protocol.Packet) bool {
	c.mu.Lock()
	w, h := c.writer, c.handle
	c.mu.Unlock()
	if w == nil {
		return false
	}

	state, err := w.Write(pkt)
	switch state {
	case backed.WriteSkipped:
		return false
	case backed.WroteWithFailure:
		c.log.Debug("write failed, dropping transport", c.log.Args("id", c.id, "error", err))
		c.lost(h)
	}
	c.stats.AddSent(pkt.Len())
	return true
}

// WritePacket retries Write until the packet is accepted. It may block for a
// whole reconnect cycle, and returns silently once the connection shuts down.
func (c *Connection) WritePacket(pkt protocol.Packet) {
	for !c.Write(pkt) {
		if c.IsShuttingDown() {
			return
		}
		time.Sleep(writeRetryInterval)
	}
}

// WriteMessage marshals v into a packet of the given kind and sends it with
// WritePacket.
func (c *Connection) WriteMessage(kind uint8, v any) error {
	pkt, err := protocol.NewMessagePacket(kind, v)
	if err != nil {
		return err
	}
	c.WritePacket(pkt)
	return nil
}

// ---------------------------------------------------------------------------
// Socket lifecycle
// ---------------------------------------------------------------------------

// CloseSocket drops the current transport; the session stays recoverable.
func (c *Connection) CloseSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeSocketLocked()
}

// CloseSocketAndMaybeReconnect drops the current transport and, for client
// connections, starts the reconnect loop.
func (c *Connection) CloseSocketAndMaybeReconnect() {
	c.lost(c.Handle())
}

// closeSocketIf drops the transport only if h is still the current one, so a
// late failure report cannot close a transport installed by recovery.
func (c *Connection) closeSocketIf(h transport.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == transport.InvalidHandle || c.handle != h {
		return false
	}
	c.closeSocketLocked()
	return true
}

func (c *Connection) closeSocketLocked() {
	if c.handle == transport.InvalidHandle {
		return
	}
	c.reader.InvalidateSocket()
	c.writer.InvalidateSocket()
	c.tr.Close(c.handle)
	c.handle = transport.InvalidHandle
	c.setStateLocked(StateDisconnected)
	c.log.Info("transport closed", c.log.Args("id", c.id))
}

// Shutdown stops the connection permanently.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.closeSocketLocked()
	c.state = StateShuttingDown
}

// ---------------------------------------------------------------------------
// Recovery
// ---------------------------------------------------------------------------

// Recover resumes the session on the freshly connected handle h. Both peers
// exchange their reader sequences, then the packets the other side missed.
// On failure h is closed and the connection stays without a transport.
func (c *Connection) Recover(h transport.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverLocked(h)
}

func (c *Connection) recoverLocked(h transport.Handle) error {
	if c.shuttingDown {
		c.tr.Close(h)
		return ErrShuttingDown
	}

	// A peer only reconnects when its old transport is dead.
	c.closeSocketLocked()
	c.setStateLocked(StateRecovering)

	c.reader.Lock()
	defer c.reader.Unlock()
	c.writer.Lock()
	defer c.writer.Unlock()

	replayed, err := c.exchangeSequences(h)
	if err != nil {
		c.tr.Close(h)
		c.setStateLocked(StateDisconnected)
		return fmt.Errorf("recover %s: %w", c.id, err)
	}

	c.handle = h
	c.reader.Revive(h, replayed)
	c.writer.Revive(h)
	c.setStateLocked(StateConnected)
	c.stats.AddReconnect()
	c.log.Info("session recovered", c.log.Args(
		"id", c.id,
		"replayed_in", len(replayed),
		"reader_seq", c.reader.SequenceLocked(),
	))
	return nil
}

// exchangeSequences runs the recovery exchange on h. The caller holds the
// connection, reader and writer locks.
func (c *Connection) exchangeSequences(h transport.Handle) ([][]byte, error) {
	timeout := c.opts.handshakeTimeout()

	local := protocol.SequenceHeader{SequenceNumber: c.reader.SequenceLocked()}
	if err := transport.WriteMessage(c.tr, h, local); err != nil {
		return nil, err
	}
	var remote protocol.SequenceHeader
	if err := transport.ReadMessage(c.tr, h, &remote, timeout); err != nil {
		return nil, err
	}

	catchup, err := c.writer.Recover(remote.SequenceNumber)
	if err != nil {
		return nil, err
	}
	if err := transport.WriteMessage(c.tr, h, protocol.CatchupBuffer{Buffer: catchup}); err != nil {
		return nil, err
	}
	var inbound protocol.CatchupBuffer
	if err := transport.ReadMessage(c.tr, h, &inbound, timeout); err != nil {
		return nil, err
	}

	c.log.Debug("recovery exchange", c.log.Args(
		"id", c.id,
		"local_seq", local.SequenceNumber,
		"remote_seq", remote.SequenceNumber,
		"replayed_out", len(catchup),
	))
	return inbound.Buffer, nil
}

// attachLocked binds a fresh session to h without any replay.
func (c *Connection) attachLocked(h transport.Handle) {
	c.reader.Lock()
	c.reader.Revive(h, nil)
	c.reader.Unlock()
	c.writer.Lock()
	c.writer.Revive(h)
	c.writer.Unlock()
	c.handle = h
	c.setStateLocked(StateConnected)
}
