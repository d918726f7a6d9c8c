package connection

import (
	"github.com/Microck/UndyingTerminal/internal/backed"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

// ServerClientConnection is the server's end of one client session. It never
// reconnects; the client does, and the server listener hands the new handle
// to Recover.
type ServerClientConnection struct {
	*Connection
}

// NewServerClientConnection wraps an accepted handle that has completed the
// connect handshake as a new session.
func NewServerClientConnection(tr transport.Transport, id string, key []byte, h transport.Handle, opts Options) (*ServerClientConnection, error) {
	readCrypto, err := crypto.NewHandler(key, crypto.ClientToServer)
	if err != nil {
		return nil, err
	}
	writeCrypto, err := crypto.NewHandler(key, crypto.ServerToClient)
	if err != nil {
		return nil, err
	}

	c := &ServerClientConnection{Connection: newConnection(tr, id, key, opts)}
	c.reader = backed.NewReader(tr, readCrypto, h)
	c.writer = backed.NewWriter(tr, writeCrypto, h, opts.MaxBackupBytes)
	c.handle = h
	c.state = StateConnected
	return c, nil
}
