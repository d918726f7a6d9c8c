// Package client drives an interactive session on top of a
// ClientConnection: it negotiates the initial payload, carries terminal
// input and output, keeps the transport honest with keepalives and runs the
// port forwards.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/forward"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// Defaults.
const (
	DefaultKeepAlive      = 5 * time.Second
	DefaultDeadAfter      = 15 * time.Second
	DefaultResizeInterval = 200 * time.Millisecond

	forwardPollInterval = 10 * time.Millisecond
	inputChunkSize      = 4 * 1024
)

var ErrInitialResponse = errors.New("client: server refused the session")

// SizeFunc reports the local terminal size in columns and rows.
type SizeFunc func() (cols, rows int, err error)

// Options configures a Session. The zero value runs a plain terminal
// session with default keepalive timing.
type Options struct {
	Logger        *pterm.Logger
	Stats         *util.Stats
	StatsInterval time.Duration

	Forwards        []protocol.PortForwardSourceRequest
	ReverseForwards []protocol.PortForwardSourceRequest
	Network         transport.Network // local side of forwards; nil uses TCP

	// JumpDestination, when set, asks the dialed server to relay the session
	// to this host:port.
	JumpDestination string

	Command string
	NoExit  bool

	KeepAlive      time.Duration
	DeadAfter      time.Duration
	Size           SizeFunc // nil disables resize reporting
	ResizeInterval time.Duration
}

// Session runs one client session.
type Session struct {
	conn *connection.ClientConnection
	opts Options
	log  *pterm.Logger
	fwd  *forward.Pair

	lastRecv atomic.Int64 // unix nanos of the last packet from the server
}

func NewSession(conn *connection.ClientConnection, opts Options) *Session {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = DefaultDeadAfter
	}
	if opts.ResizeInterval <= 0 {
		opts.ResizeInterval = DefaultResizeInterval
	}
	n := opts.Network
	if n == nil {
		n = transport.NewTCP(transport.DefaultDialTimeout)
	}
	return &Session{
		conn: conn,
		opts: opts,
		log:  util.OrNop(opts.Logger),
		fwd:  forward.NewPair(n, forward.Options{Logger: opts.Logger, Stats: opts.Stats}),
	}
}

// Start opens the local forwards and, for a fresh session, sends the
// initial payload and waits for the server's answer. Call it once after
// Connect.
func (s *Session) Start(ctx context.Context) error {
	for _, req := range s.opts.Forwards {
		if err := s.fwd.Source.AddForwardRequest(req); err != nil {
			return err
		}
	}
	if s.conn.IsReturningClient() {
		s.log.Info("resumed existing session", s.log.Args("id", s.conn.ID()))
		return nil
	}

	payload, err := s.initialPayload()
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(protocol.KindInitialPayload, payload); err != nil {
		return err
	}
	pkt, err := s.conn.NextPacket(ctx)
	if err != nil {
		return err
	}
	if pkt.Kind != protocol.KindInitialResponse {
		return fmt.Errorf("%w: got %s", ErrInitialResponse, protocol.KindName(pkt.Kind))
	}
	var resp protocol.InitialResponse
	if err := protocol.Unmarshal(pkt.Payload, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrInitialResponse, resp.Error)
	}
	s.touch()

	if s.opts.Command != "" {
		s.typeLine(s.opts.Command)
		if !s.opts.NoExit {
			s.typeLine("exit")
		}
	}
	return nil
}

func (s *Session) initialPayload() (protocol.InitialPayload, error) {
	payload := protocol.InitialPayload{ReverseTunnels: s.opts.ReverseForwards}
	if s.opts.JumpDestination != "" {
		host, port, err := net.SplitHostPort(s.opts.JumpDestination)
		if err != nil {
			return payload, fmt.Errorf("jump destination: %w", err)
		}
		payload.Jumphost = true
		payload.Environment = map[string]string{"dsthost": host, "dstport": port}
	}
	return payload, nil
}

// typeLine sends text as terminal input followed by a line ending.
func (s *Session) typeLine(text string) {
	if !strings.HasSuffix(text, "\n") && !strings.HasSuffix(text, "\r") {
		text += "\r\n"
	}
	s.conn.WriteMessage(protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte(text)})
}

func (s *Session) send(pkt protocol.Packet) { s.conn.WritePacket(pkt) }

func (s *Session) touch() { s.lastRecv.Store(time.Now().UnixNano()) }

func (s *Session) sinceRecv() time.Duration {
	return time.Since(time.Unix(0, s.lastRecv.Load()))
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Run carries the session until ctx ends, in reaches EOF or the connection
// stops for good. Terminal output is written to out. The connection is shut
// down before Run returns; the error is its fatal error, if any.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.fwd.Close()
	s.touch()

	s.opts.Stats.StartReporter(ctx, s.log, s.opts.StatsInterval)

	// Reads from in cannot be interrupted, so the input loop is not joined.
	if in != nil {
		go s.input(ctx, cancel, in)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.output(gctx, out) })
	g.Go(func() error { s.keepAlive(gctx); return nil })
	g.Go(func() error { s.pollForwards(gctx); return nil })
	if s.opts.Size != nil {
		g.Go(func() error { s.pollSize(gctx); return nil })
	}
	g.Go(func() error {
		select {
		case <-s.conn.Done():
		case <-gctx.Done():
		}
		cancel()
		// Unblocks writers stalled on a reconnect.
		s.conn.Shutdown()
		return nil
	})

	err := g.Wait()
	if ferr := s.conn.Err(); ferr != nil {
		return ferr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, connection.ErrShuttingDown) {
		return nil
	}
	return err
}

func (s *Session) input(ctx context.Context, cancel context.CancelFunc, in io.Reader) {
	defer cancel()
	buf := make([]byte, inputChunkSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return
			}
			chunk := append([]byte(nil), buf[:n]...)
			s.conn.WriteMessage(protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("input closed", s.log.Args("error", err))
			}
			return
		}
	}
}

func (s *Session) output(ctx context.Context, out io.Writer) error {
	for {
		pkt, err := s.conn.NextPacket(ctx)
		if err != nil {
			return err
		}
		s.touch()

		switch pkt.Kind {
		case protocol.KindKeepAlive:
		case protocol.KindTerminalBuffer:
			var tb protocol.TerminalBuffer
			if err := protocol.Unmarshal(pkt.Payload, &tb); err != nil {
				s.log.Warn("bad terminal buffer", s.log.Args("error", err))
				continue
			}
			if out != nil {
				if _, err := out.Write(tb.Buffer); err != nil {
					return err
				}
			}
		case protocol.KindPortForwardDestinationRequest,
			protocol.KindPortForwardDestinationResponse,
			protocol.KindPortForwardData:
			s.fwd.HandlePacket(pkt, s.send)
		default:
			s.log.Debug("unexpected packet", s.log.Args("kind", protocol.KindName(pkt.Kind)))
		}
	}
}

// keepAlive pings the server and drops a transport that has gone quiet so
// the reconnect loop can replace it.
func (s *Session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.conn.Write(protocol.New(protocol.KindKeepAlive, nil))
		if age := s.sinceRecv(); age > s.opts.DeadAfter {
			s.log.Warn("server silent, reconnecting", s.log.Args("id", s.conn.ID(), "silent_for", age.Round(time.Millisecond)))
			s.conn.CloseSocketAndMaybeReconnect()
			s.touch()
		}
	}
}

func (s *Session) pollForwards(ctx context.Context) {
	ticker := time.NewTicker(forwardPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fwd.Update(s.send)
		}
	}
}

func (s *Session) pollSize(ctx context.Context) {
	lastCols, lastRows := -1, -1
	ticker := time.NewTicker(s.opts.ResizeInterval)
	defer ticker.Stop()
	for {
		cols, rows, err := s.opts.Size()
		if err == nil && (cols != lastCols || rows != lastRows) {
			lastCols, lastRows = cols, rows
			s.conn.WriteMessage(protocol.KindTerminalInfo, protocol.TerminalInfo{
				ID:     s.conn.ID(),
				Row:    int32(rows),
				Column: int32(cols),
				Width:  int32(cols),
				Height: int32(rows),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
