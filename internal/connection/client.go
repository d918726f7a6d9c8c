package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Microck/UndyingTerminal/internal/backed"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// DefaultReconnectInterval is the pause between reconnect attempts.
const DefaultReconnectInterval = time.Second

// ClientOptions configures a ClientConnection.
type ClientOptions struct {
	Options
	ReconnectInterval time.Duration // 0 uses DefaultReconnectInterval
}

// ClientConnection is the client side of a session. After the first Connect
// it keeps the session alive by reconnecting in the background whenever the
// transport fails.
type ClientConnection struct {
	*Connection

	dialer transport.Dialer
	addr   string
	retry  time.Duration

	// guarded by Connection.mu
	returning        bool
	reconnectEnabled bool
	fatal            error

	reconnectMu   sync.Mutex
	reconnectDone chan struct{} // closed when the running reconnect loop exits

	stop     chan struct{}
	stopOnce sync.Once
}

// NewClientConnection prepares a client for the server at addr. It fails only
// when key is not a valid session key.
func NewClientConnection(dialer transport.Dialer, addr, id string, key []byte, opts ClientOptions) (*ClientConnection, error) {
	readCrypto, err := crypto.NewHandler(key, crypto.ServerToClient)
	if err != nil {
		return nil, err
	}
	writeCrypto, err := crypto.NewHandler(key, crypto.ClientToServer)
	if err != nil {
		return nil, err
	}

	retry := opts.ReconnectInterval
	if retry <= 0 {
		retry = DefaultReconnectInterval
	}

	c := &ClientConnection{
		Connection:       newConnection(dialer, id, key, opts.Options),
		dialer:           dialer,
		addr:             addr,
		retry:            retry,
		reconnectEnabled: true,
		stop:             make(chan struct{}),
	}
	c.reader = backed.NewReader(dialer, readCrypto, transport.InvalidHandle)
	c.writer = backed.NewWriter(dialer, writeCrypto, transport.InvalidHandle, opts.MaxBackupBytes)
	c.lost = c.closeAndMaybeReconnect
	return c, nil
}

// Connect performs the first connection. A returning session (the server
// still holds this client id) is resumed with Recover.
func (c *ClientConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	h, status, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.returning = status == protocol.StatusReturningClient
	if c.returning {
		return c.recoverLocked(h)
	}
	c.attachLocked(h)
	c.log.Info("connected", c.log.Args("id", c.id, "server", c.addr, "key", util.Fingerprint(c.key)))
	return nil
}

// dial connects and runs the connect handshake. Only new and returning
// sessions yield a handle.
func (c *ClientConnection) dial(ctx context.Context) (transport.Handle, protocol.ConnectStatus, error) {
	h, err := c.dialer.Connect(ctx, c.addr)
	if err != nil {
		return transport.InvalidHandle, "", err
	}

	req := protocol.ConnectRequest{ClientID: c.id, Version: protocol.Version}
	if err := transport.WriteMessage(c.dialer, h, req); err != nil {
		c.dialer.Close(h)
		return transport.InvalidHandle, "", err
	}
	var resp protocol.ConnectResponse
	if err := transport.ReadMessage(c.dialer, h, &resp, c.opts.handshakeTimeout()); err != nil {
		c.dialer.Close(h)
		return transport.InvalidHandle, "", err
	}

	switch resp.Status {
	case protocol.StatusNewClient, protocol.StatusReturningClient:
		return h, resp.Status, nil
	case protocol.StatusInvalidKey:
		c.dialer.Close(h)
		return transport.InvalidHandle, resp.Status, fmt.Errorf("%w: %s", ErrInvalidKey, resp.Error)
	case protocol.StatusMismatchedProtocol:
		c.dialer.Close(h)
		return transport.InvalidHandle, resp.Status, fmt.Errorf("%w: %s", ErrProtocolMismatch, resp.Error)
	}
	c.dialer.Close(h)
	return transport.InvalidHandle, resp.Status, fmt.Errorf("%w: %q", ErrUnexpectedStatus, resp.Status)
}

// IsReturningClient reports whether the first Connect resumed a session.
func (c *ClientConnection) IsReturningClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returning
}

// SetReconnectEnabled turns background reconnection on or off.
func (c *ClientConnection) SetReconnectEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectEnabled = enabled
}

// Err returns the error that stopped the session for good, if any.
func (c *ClientConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Done is closed once the connection shuts down, either on request or
// because the server rejected the credentials.
func (c *ClientConnection) Done() <-chan struct{} {
	return c.stop
}

// Shutdown stops the connection and any reconnect attempt.
func (c *ClientConnection) Shutdown() {
	c.Connection.Shutdown()
	c.stopOnce.Do(func() { close(c.stop) })
}

// Close shuts down and waits for the reconnect loop to exit.
func (c *ClientConnection) Close() {
	c.Shutdown()
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.waitReconnectLocked()
}

// fail stops the session permanently with err.
func (c *ClientConnection) fail(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()
	c.log.Error("session stopped", c.log.Args("id", c.id, "error", err))
	c.Shutdown()
}

func (c *ClientConnection) shouldReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.shuttingDown && c.reconnectEnabled
}

// ---------------------------------------------------------------------------
// Reconnect loop
// ---------------------------------------------------------------------------

// closeAndMaybeReconnect drops the failed transport h and starts one
// reconnect loop. Reports about a transport that is no longer current are
// ignored.
func (c *ClientConnection) closeAndMaybeReconnect(h transport.Handle) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if !c.closeSocketIf(h) {
		return
	}
	if !c.shouldReconnect() {
		return
	}

	c.waitReconnectLocked()
	done := make(chan struct{})
	c.reconnectDone = done
	go func() {
		defer close(done)
		c.pollReconnect()
	}()
}

func (c *ClientConnection) waitReconnectLocked() {
	if c.reconnectDone != nil {
		<-c.reconnectDone
		c.reconnectDone = nil
	}
}

// pollReconnect retries until the session is resumed, reconnection is turned
// off, the connection shuts down or the server rejects the credentials.
func (c *ClientConnection) pollReconnect() {
	for attempt := 1; ; attempt++ {
		if !c.shouldReconnect() || c.Handle() != transport.InvalidHandle {
			return
		}

		err := c.reconnectOnce()
		switch {
		case err == nil:
			c.log.Info("reconnected", c.log.Args("id", c.id, "attempts", attempt))
			return
		case errors.Is(err, ErrInvalidKey):
			c.fail(err)
			return
		case errors.Is(err, ErrProtocolMismatch), errors.Is(err, backed.ErrUnrecoverable):
			c.log.Warn("server refused to resume the session, retrying", c.log.Args("id", c.id, "attempt", attempt, "error", err))
		default:
			c.log.Debug("reconnect attempt failed", c.log.Args("id", c.id, "attempt", attempt, "error", err))
		}

		select {
		case <-c.stop:
			return
		case <-time.After(c.retry):
		}
	}
}

func (c *ClientConnection) reconnectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.handshakeTimeout())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	h, status, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if status != protocol.StatusReturningClient {
		c.dialer.Close(h)
		return ErrSessionLost
	}
	return c.Recover(h)
}
