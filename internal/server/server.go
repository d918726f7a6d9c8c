// Package server accepts client sessions, authenticates them against the
// registry and pumps packets between each session, its terminal host and
// its port forwards.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/backed"
	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/forward"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// Tuning constants.
const (
	acceptPollInterval = 50 * time.Millisecond
	idleSleep          = 5 * time.Millisecond
	janitorInterval    = 30 * time.Second

	// DefaultStaleAfter is how long a session may stay without a transport
	// before the server gives up on it.
	DefaultStaleAfter = 10 * time.Minute
)

var (
	ErrNoInitialPayload = errors.New("server: first packet was not an initial payload")
	ErrNoTerminal       = errors.New("server: jumphost session needs a terminal host")
)

// Options configures a Server. The zero value is usable.
type Options struct {
	Logger           *pterm.Logger
	StaleAfter       time.Duration     // 0 uses DefaultStaleAfter
	HandshakeTimeout time.Duration     // 0 uses transport.HandshakeTimeout
	MaxBackupBytes   int               // 0 uses backed.DefaultMaxBackupBytes
	Forwards         transport.Network // dials forward destinations, listens for reverse tunnels; nil uses TCP
	StatsInterval    time.Duration     // per-session traffic log; 0 disables
}

func (o Options) staleAfter() time.Duration {
	if o.StaleAfter > 0 {
		return o.StaleAfter
	}
	return DefaultStaleAfter
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}
	return transport.HandshakeTimeout
}

// Server owns the client-facing network, the terminal pipe and the registry.
type Server struct {
	net      transport.Network
	pipe     transport.Network
	registry *Registry
	fwd      transport.Network
	opts     Options
	log      *pterm.Logger

	wg sync.WaitGroup
}

// New returns a Server accepting clients on n. pipe carries terminal hosts
// and may be nil when only statically provisioned, tunnel-only clients are
// served.
func New(n transport.Network, pipe transport.Network, registry *Registry, opts Options) *Server {
	fwd := opts.Forwards
	if fwd == nil {
		fwd = transport.NewTCP(transport.DefaultDialTimeout)
	}
	return &Server{
		net:      n,
		pipe:     pipe,
		registry: registry,
		fwd:      fwd,
		opts:     opts,
		log:      util.OrNop(opts.Logger),
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// ListenAndServe listens for clients on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lh, err := s.net.Listen(addr)
	if err != nil {
		return err
	}
	s.log.Info("listening for clients", s.log.Args("addr", s.net.ListenAddr(lh)))
	return s.Serve(ctx, lh)
}

// Serve accepts clients on the listener lh until ctx ends, then closes lh
// and waits for every session to finish.
func (s *Server) Serve(ctx context.Context, lh transport.Handle) error {
	defer s.wg.Wait()
	defer s.net.Close(lh)

	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-janitor.C:
			for _, id := range s.registry.CleanupStale(s.opts.staleAfter()) {
				s.log.Debug("stale client removed", s.log.Args("id", id))
			}
		default:
		}

		if !s.net.HasData(lh) {
			time.Sleep(acceptPollInterval)
			continue
		}
		h := s.net.Accept(lh)
		if h == transport.InvalidHandle {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(ctx, h)
		}()
	}
}

// ---------------------------------------------------------------------------
// Connect handshake
// ---------------------------------------------------------------------------

func (s *Server) reject(h transport.Handle, status protocol.ConnectStatus, reason string) {
	transport.WriteMessage(s.net, h, protocol.ConnectResponse{Status: status, Error: reason})
	s.net.Close(h)
}

func (s *Server) handleClient(ctx context.Context, h transport.Handle) {
	var req protocol.ConnectRequest
	if err := transport.ReadMessage(s.net, h, &req, s.opts.handshakeTimeout()); err != nil {
		s.log.Debug("connect request failed", s.log.Args("error", err))
		s.net.Close(h)
		return
	}

	if req.Version != protocol.Version {
		s.log.Warn("protocol mismatch", s.log.Args("id", req.ClientID, "version", req.Version, "want", protocol.Version))
		s.reject(h, protocol.StatusMismatchedProtocol, "protocol mismatch")
		return
	}
	id := req.ClientID
	if !s.registry.HasSession(id) {
		s.log.Warn("unknown client", s.log.Args("id", id))
		s.reject(h, protocol.StatusInvalidKey, "unknown client id")
		return
	}
	passkey := s.registry.LookupPasskey(id)
	if passkey == "" {
		s.reject(h, protocol.StatusInvalidKey, "missing key")
		return
	}
	key, err := crypto.ParseKey(passkey)
	if err != nil {
		s.log.Warn("registered key unusable", s.log.Args("id", id, "error", err))
		s.reject(h, protocol.StatusInvalidKey, "invalid key")
		return
	}

	if existing := s.registry.LookupConnection(id); existing != nil && !existing.IsShuttingDown() {
		s.resume(existing, h)
		return
	}

	if err := transport.WriteMessage(s.net, h, protocol.ConnectResponse{Status: protocol.StatusNewClient}); err != nil {
		s.net.Close(h)
		return
	}

	stats := &util.Stats{}
	conn, err := connection.NewServerClientConnection(s.net, id, key, h, connection.Options{
		Logger:           s.opts.Logger,
		Stats:            stats,
		MaxBackupBytes:   s.opts.MaxBackupBytes,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	})
	if err != nil {
		s.net.Close(h)
		return
	}
	s.registry.StoreConnection(id, conn)
	s.registry.MarkActive(id, true)
	s.log.Info("new session", s.log.Args("id", id, "key", util.Fingerprint(key)))

	s.runSession(ctx, conn, stats)
}

// resume hands h to an existing session. An unrecoverable gap ends that
// session so the client starts over as new.
func (s *Server) resume(existing *connection.ServerClientConnection, h transport.Handle) {
	id := existing.ID()
	if err := transport.WriteMessage(s.net, h, protocol.ConnectResponse{Status: protocol.StatusReturningClient}); err != nil {
		s.net.Close(h)
		return
	}
	if err := existing.Recover(h); err != nil {
		if errors.Is(err, backed.ErrUnrecoverable) {
			s.log.Error("session cannot be resumed", s.log.Args("id", id, "error", err))
			existing.Shutdown()
			return
		}
		s.log.Warn("recovery failed", s.log.Args("id", id, "error", err))
		return
	}
	s.registry.UpdateLastSeen(id)
}

// ---------------------------------------------------------------------------
// Session pump
// ---------------------------------------------------------------------------

type sessionPump struct {
	s    *Server
	ctx  context.Context
	conn *connection.ServerClientConnection
	id   string
	term transport.Handle
	// frames from the terminal host, reassembled without blocking
	termFrames *transport.FrameReader

	forward *forward.Pair
	// last time the session was seen with a live transport
	lastLive time.Time
}

func (s *Server) runSession(ctx context.Context, conn *connection.ServerClientConnection, stats *util.Stats) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss := &sessionPump{
		s:        s,
		ctx:      ctx,
		conn:     conn,
		id:       conn.ID(),
		term:     transport.InvalidHandle,
		lastLive: time.Now(),
	}
	if s.pipe != nil {
		ss.term = s.registry.LookupTerminal(ss.id)
		ss.termFrames = transport.NewFrameReader(s.pipe, ss.term)
	}
	ss.forward = forward.NewPair(s.fwd, forward.Options{Logger: s.opts.Logger, Stats: stats})
	defer ss.close()

	stats.StartReporter(ctx, s.log, s.opts.StatsInterval)

	if err := ss.start(); err != nil {
		s.log.Warn("session setup failed", s.log.Args("id", ss.id, "error", err))
		return
	}
	ss.pump()
}

// start reads the initial payload, opens reverse tunnels, answers with the
// initial response and tells the terminal host how to start.
func (ss *sessionPump) start() error {
	hctx, cancel := context.WithTimeout(ss.ctx, ss.s.opts.handshakeTimeout())
	defer cancel()

	pkt, err := ss.conn.NextPacket(hctx)
	if err != nil {
		return err
	}
	if pkt.Kind != protocol.KindInitialPayload {
		return fmt.Errorf("%w (got %s)", ErrNoInitialPayload, protocol.KindName(pkt.Kind))
	}
	var payload protocol.InitialPayload
	if err := protocol.Unmarshal(pkt.Payload, &payload); err != nil {
		return err
	}

	var problems []string
	if payload.Jumphost && ss.term == transport.InvalidHandle {
		problems = append(problems, ErrNoTerminal.Error())
	}
	for _, req := range payload.ReverseTunnels {
		if err := ss.forward.Source.AddForwardRequest(req); err != nil {
			problems = append(problems, err.Error())
		}
	}
	resp := protocol.InitialResponse{Error: strings.Join(problems, "; ")}
	if err := ss.conn.WriteMessage(protocol.KindInitialResponse, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}

	if ss.term == transport.InvalidHandle {
		ss.s.log.Info("tunnel-only session", ss.s.log.Args("id", ss.id))
		return nil
	}
	initPkt := protocol.New(protocol.KindTerminalInit, nil)
	if payload.Jumphost {
		if initPkt, err = protocol.NewMessagePacket(protocol.KindJumphostInit, payload); err != nil {
			return err
		}
	}
	return transport.WritePacket(ss.s.pipe, ss.term, initPkt)
}

func (ss *sessionPump) pump() {
	log := ss.s.log
	for {
		if ss.ctx.Err() != nil || ss.conn.IsShuttingDown() {
			return
		}
		didWork := false

		if pkt, ok := ss.conn.ReadPacket(); ok {
			ss.s.registry.UpdateLastSeen(ss.id)
			if !ss.route(pkt) {
				return
			}
			didWork = true
		}

		if ss.term != transport.InvalidHandle {
			pkt, ok, err := ss.termFrames.NextPacket()
			if err != nil {
				log.Info("terminal host disconnected", log.Args("id", ss.id, "error", err))
				return
			}
			if ok {
				ss.send(pkt)
				didWork = true
			}
		}

		ss.forward.Update(ss.send)
		ss.checkStale()

		if !didWork {
			time.Sleep(idleSleep)
		}
	}
}

// route handles one packet from the client. It returns false when the
// session must end.
func (ss *sessionPump) route(pkt protocol.Packet) bool {
	log := ss.s.log
	switch pkt.Kind {
	case protocol.KindTerminalBuffer, protocol.KindTerminalInfo:
		if ss.term == transport.InvalidHandle {
			log.Debug("terminal packet without terminal host dropped", log.Args("id", ss.id))
			return true
		}
		if err := transport.WritePacket(ss.s.pipe, ss.term, pkt); err != nil {
			log.Info("terminal host write failed", log.Args("id", ss.id, "error", err))
			return false
		}
	case protocol.KindKeepAlive:
		ss.send(protocol.New(protocol.KindKeepAlive, nil))
	case protocol.KindPortForwardDestinationRequest,
		protocol.KindPortForwardDestinationResponse,
		protocol.KindPortForwardData:
		ss.forward.HandlePacket(pkt, ss.send)
	default:
		log.Debug("unexpected packet", log.Args("id", ss.id, "kind", protocol.KindName(pkt.Kind)))
	}
	return true
}

// send retries until the packet is accepted, the session ends or the client
// stays away long enough to be declared stale.
func (ss *sessionPump) send(pkt protocol.Packet) {
	for !ss.conn.Write(pkt) {
		if ss.ctx.Err() != nil || ss.conn.IsShuttingDown() {
			return
		}
		ss.checkStale()
		time.Sleep(idleSleep)
	}
}

func (ss *sessionPump) checkStale() {
	if ss.conn.Handle() != transport.InvalidHandle {
		ss.lastLive = time.Now()
		return
	}
	if time.Since(ss.lastLive) > ss.s.opts.staleAfter() {
		ss.s.log.Warn("client did not come back", ss.s.log.Args("id", ss.id, "after", ss.s.opts.staleAfter()))
		ss.conn.Shutdown()
	}
}

func (ss *sessionPump) close() {
	reg := ss.s.registry
	ss.forward.Close()
	if ss.term != transport.InvalidHandle {
		ss.s.pipe.Close(ss.term)
	}
	if reg.LookupTerminal(ss.id) == ss.term {
		reg.UnregisterTerminal(ss.id)
	}
	reg.MarkActive(ss.id, false)
	reg.UpdateLastSeen(ss.id)
	ss.conn.Shutdown()
	ss.s.log.Info("session ended", ss.s.log.Args("id", ss.id))
}
