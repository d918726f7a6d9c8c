// Package terminal is the terminal-host end of the server's local pipe. A
// host registers a client id and passkey, waits for the server to start a
// session and then either bridges the session to a local terminal or, in
// jumphost mode, relays it to another server.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

const (
	pollInterval  = 5 * time.Millisecond
	readChunkSize = 4 * 1024
)

var (
	ErrUnexpectedInit = errors.New("terminal: unexpected init packet")
	ErrNoDestination  = errors.New("terminal: jumphost init without destination")
	ErrInitialRefused = errors.New("terminal: destination refused the session")
)

// Options configures a Host. The zero value is usable.
type Options struct {
	Logger  *pterm.Logger
	Timeout time.Duration // per-packet inactivity bound, 0 uses transport.HandshakeTimeout
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return transport.HandshakeTimeout
}

// Init is what the server sent to start the session.
type Init struct {
	Jumphost bool
	Payload  protocol.InitialPayload // set for jumphost sessions
}

// Resize receives terminal size updates from the client.
type Resize func(protocol.TerminalInfo)

// Host is one registered terminal host.
type Host struct {
	pipe transport.Dialer
	h    transport.Handle
	info protocol.TerminalUserInfo
	opts Options
	log  *pterm.Logger
}

// Register connects to the server's pipe at path and announces info.
func Register(ctx context.Context, pipe transport.Dialer, path string, info protocol.TerminalUserInfo, opts Options) (*Host, error) {
	h, err := pipe.Connect(ctx, path)
	if err != nil {
		return nil, err
	}
	pkt, err := protocol.NewMessagePacket(protocol.KindTerminalUserInfo, info)
	if err != nil {
		pipe.Close(h)
		return nil, err
	}
	if err := transport.WritePacket(pipe, h, pkt); err != nil {
		pipe.Close(h)
		return nil, fmt.Errorf("register terminal: %w", err)
	}

	log := util.OrNop(opts.Logger)
	log.Info("terminal registered", log.Args("id", info.ID, "pipe", path))
	return &Host{pipe: pipe, h: h, info: info, opts: opts, log: log}, nil
}

func (t *Host) Close() { t.pipe.Close(t.h) }

// next waits for one packet from the server without a deadline on the
// first byte.
func (t *Host) next(ctx context.Context) (protocol.Packet, error) {
	for !t.pipe.HasData(t.h) {
		select {
		case <-ctx.Done():
			return protocol.Packet{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return transport.ReadPacket(t.pipe, t.h, t.opts.timeout())
}

// WaitInit blocks until a client starts a session for this host.
func (t *Host) WaitInit(ctx context.Context) (Init, error) {
	pkt, err := t.next(ctx)
	if err != nil {
		return Init{}, err
	}
	switch pkt.Kind {
	case protocol.KindTerminalInit:
		return Init{}, nil
	case protocol.KindJumphostInit:
		in := Init{Jumphost: true}
		if err := protocol.Unmarshal(pkt.Payload, &in.Payload); err != nil {
			return Init{}, err
		}
		return in, nil
	}
	return Init{}, fmt.Errorf("%w: %s", ErrUnexpectedInit, protocol.KindName(pkt.Kind))
}

// ---------------------------------------------------------------------------
// Local terminal bridge
// ---------------------------------------------------------------------------

// Serve bridges the session to rw: terminal output read from rw goes to the
// client, client keystrokes are written to rw, and size updates go to
// resize. It returns when rw reaches EOF, the server hangs up or ctx ends;
// rw is closed on return.
func (t *Host) Serve(ctx context.Context, rw io.ReadWriteCloser, resize Resize) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		rw.Close()
		return nil
	})

	// terminal output -> server
	g.Go(func() error {
		defer cancel()
		buf := make([]byte, readChunkSize)
		for {
			n, err := rw.Read(buf)
			if n > 0 {
				pkt, perr := protocol.NewMessagePacket(protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: buf[:n]})
				if perr != nil {
					return perr
				}
				if werr := transport.WritePacket(t.pipe, t.h, pkt); werr != nil {
					return werr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	// server -> terminal input
	g.Go(func() error {
		defer cancel()
		for {
			pkt, err := t.next(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrPeerClosed) {
					return nil
				}
				return err
			}
			switch pkt.Kind {
			case protocol.KindTerminalBuffer:
				var tb protocol.TerminalBuffer
				if err := protocol.Unmarshal(pkt.Payload, &tb); err != nil {
					t.log.Warn("bad terminal buffer", t.log.Args("error", err))
					continue
				}
				if _, err := rw.Write(tb.Buffer); err != nil {
					return err
				}
			case protocol.KindTerminalInfo:
				var info protocol.TerminalInfo
				if err := protocol.Unmarshal(pkt.Payload, &info); err != nil {
					t.log.Warn("bad terminal info", t.log.Args("error", err))
					continue
				}
				if resize != nil {
					resize(info)
				}
			default:
				t.log.Debug("ignoring packet", t.log.Args("kind", protocol.KindName(pkt.Kind)))
			}
		}
	})

	return g.Wait()
}

// ---------------------------------------------------------------------------
// Jumphost relay
// ---------------------------------------------------------------------------

// Relay forwards the session to the server named by the jumphost payload's
// dsthost and dstport variables, using this host's id and passkey. Packets
// pass through untouched in both directions until either side ends.
func (t *Host) Relay(ctx context.Context, dialer transport.Dialer, start Init, opts connection.ClientOptions) error {
	host := start.Payload.Environment["dsthost"]
	port := start.Payload.Environment["dstport"]
	if host == "" || port == "" {
		return ErrNoDestination
	}
	key, err := crypto.ParseKey(t.info.Passkey)
	if err != nil {
		return err
	}

	dst := net.JoinHostPort(host, port)
	conn, err := connection.NewClientConnection(dialer, dst, t.info.ID, key, opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("jumphost connect %s: %w", dst, err)
	}

	if !conn.IsReturningClient() {
		if err := conn.WriteMessage(protocol.KindInitialPayload, protocol.InitialPayload{}); err != nil {
			return err
		}
		pkt, err := conn.NextPacket(ctx)
		if err != nil {
			return err
		}
		var resp protocol.InitialResponse
		if pkt.Kind != protocol.KindInitialResponse {
			return fmt.Errorf("%w: got %s", ErrInitialRefused, protocol.KindName(pkt.Kind))
		}
		if err := protocol.Unmarshal(pkt.Payload, &resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrInitialRefused, resp.Error)
		}
	}
	t.log.Info("relaying to destination", t.log.Args("id", t.info.ID, "destination", dst))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		conn.Shutdown()
		return nil
	})

	// jumphost server -> destination
	g.Go(func() error {
		defer cancel()
		for {
			pkt, err := t.next(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrPeerClosed) {
					return nil
				}
				return err
			}
			conn.WritePacket(pkt)
		}
	})

	// destination -> jumphost server
	g.Go(func() error {
		defer cancel()
		for {
			pkt, err := conn.NextPacket(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, connection.ErrShuttingDown) {
					return conn.Err()
				}
				return err
			}
			if err := transport.WritePacket(t.pipe, t.h, pkt); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}
