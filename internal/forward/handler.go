// Package forward multiplexes local TCP streams over a session. The source
// side listens locally and asks the peer to dial a destination; the sink side
// dials and assigns the stream a socket id. Data then flows as
// PortForwardData packets tagged with that id.
package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// Tuning constants.
const (
	readChunkSize      = 4 * 1024
	maxChunksPerUpdate = 16
	defaultDialTimeout = 5 * time.Second
)

var (
	ErrWrongRole    = errors.New("forward: operation not valid for this role")
	ErrNoSourcePort = errors.New("forward: request has no source port")
)

// Role selects which half of a forward a Handler plays.
type Role int

const (
	// RoleSource listens locally and requests destinations from the peer.
	RoleSource Role = iota
	// RoleSink dials destinations on behalf of the peer.
	RoleSink
)

func (r Role) String() string {
	if r == RoleSink {
		return "sink"
	}
	return "source"
}

// Send delivers a packet to the peer, typically Connection.WritePacket.
type Send func(protocol.Packet)

// Options configures a Handler. The zero value is usable.
type Options struct {
	Logger      *pterm.Logger
	Stats       *util.Stats
	DialTimeout time.Duration
}

type forwardListener struct {
	handle      transport.Handle
	destination protocol.SocketEndpoint
}

// Handler owns the local side of every forwarded stream for one role. Its
// methods may be called from different goroutines.
type Handler struct {
	mu sync.Mutex

	net   transport.Network
	role  Role
	log   *pterm.Logger
	stats *util.Stats
	dial  time.Duration

	nextFd       int32
	nextSocketID int32

	listeners []forwardListener
	pending   map[int32]transport.Handle // requesting-side id -> accepted stream
	active    map[int32]transport.Handle // socket id -> local stream
}

// NewHandler returns a Handler for role over n.
func NewHandler(n transport.Network, role Role, opts Options) *Handler {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	return &Handler{
		net:          n,
		role:         role,
		log:          util.OrNop(opts.Logger),
		stats:        opts.Stats,
		dial:         dial,
		nextFd:       1,
		nextSocketID: 1,
		pending:      make(map[int32]transport.Handle),
		active:       make(map[int32]transport.Handle),
	}
}

// AddForwardRequest starts listening on req.Source; accepted streams are
// forwarded to req.Destination on the peer.
func (h *Handler) AddForwardRequest(req protocol.PortForwardSourceRequest) error {
	if h.role != RoleSource {
		return ErrWrongRole
	}
	if req.Source.Port == 0 {
		return fmt.Errorf("%w (environment variable %q)", ErrNoSourcePort, req.EnvironmentVariable)
	}

	addr := endpointAddr(req.Source)
	lh, err := h.net.Listen(addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.listeners = append(h.listeners, forwardListener{handle: lh, destination: req.Destination})
	h.mu.Unlock()

	h.log.Info("forwarding", h.log.Args("listen", h.net.ListenAddr(lh), "destination", endpointAddr(req.Destination)))
	return nil
}

// ActiveCount returns the number of streams currently forwarding data.
func (h *Handler) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// PendingCount returns the number of streams waiting for a destination.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// Update accepts new local streams and forwards whatever the active streams
// have buffered. Packets are sent after the handler lock is released.
func (h *Handler) Update(send Send) {
	h.mu.Lock()
	var out []protocol.Packet

	if h.role == RoleSource {
		for _, l := range h.listeners {
			for h.net.HasData(l.handle) {
				sh := h.net.Accept(l.handle)
				if sh == transport.InvalidHandle {
					break
				}
				fd := h.nextFd
				h.nextFd++
				h.pending[fd] = sh
				out = appendMessage(out, protocol.KindPortForwardDestinationRequest, protocol.PortForwardDestinationRequest{
					Destination: l.destination,
					Fd:          fd,
				})
				h.log.Debug("local stream accepted", h.log.Args("fd", fd, "destination", endpointAddr(l.destination)))
			}
		}
	}

	for id, sh := range h.active {
		out = h.drainStream(out, id, sh)
	}
	h.mu.Unlock()

	for _, pkt := range out {
		send(pkt)
	}
}

// drainStream reads up to maxChunksPerUpdate chunks from one active stream.
// End of stream or an error yields a single closed-tagged packet and drops
// the stream. The caller holds the lock.
func (h *Handler) drainStream(out []protocol.Packet, id int32, sh transport.Handle) []protocol.Packet {
	for i := 0; i < maxChunksPerUpdate && h.net.HasData(sh); i++ {
		buf := make([]byte, readChunkSize)
		n, err := h.net.Read(sh, buf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return out
		}
		if err != nil || n == 0 {
			out = appendMessage(out, protocol.KindPortForwardData, protocol.PortForwardData{
				SocketID:            id,
				SourceToDestination: h.role == RoleSource,
				Closed:              true,
			})
			h.closeActive(id, sh)
			return out
		}
		out = appendMessage(out, protocol.KindPortForwardData, protocol.PortForwardData{
			SocketID:            id,
			SourceToDestination: h.role == RoleSource,
			Buffer:              buf[:n],
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Inbound packets
// ---------------------------------------------------------------------------

// HandlePacket applies a port-forward packet from the peer. Packets of other
// kinds, and data flowing toward the peer's role, are ignored.
func (h *Handler) HandlePacket(pkt protocol.Packet, send Send) {
	switch pkt.Kind {
	case protocol.KindPortForwardDestinationResponse:
		var resp protocol.PortForwardDestinationResponse
		if err := protocol.Unmarshal(pkt.Payload, &resp); err != nil {
			h.log.Warn("bad destination response", h.log.Args("error", err))
			return
		}
		h.handleResponse(resp)

	case protocol.KindPortForwardDestinationRequest:
		if h.role != RoleSink {
			return
		}
		var req protocol.PortForwardDestinationRequest
		if err := protocol.Unmarshal(pkt.Payload, &req); err != nil {
			h.log.Warn("bad destination request", h.log.Args("error", err))
			return
		}
		resp := h.handleRequest(req)
		if p, err := protocol.NewMessagePacket(protocol.KindPortForwardDestinationResponse, resp); err == nil {
			send(p)
		}

	case protocol.KindPortForwardData:
		var data protocol.PortForwardData
		if err := protocol.Unmarshal(pkt.Payload, &data); err != nil {
			h.log.Warn("bad forward data", h.log.Args("error", err))
			return
		}
		// Data toward a sink comes from a source and vice versa.
		if data.SourceToDestination != (h.role == RoleSink) {
			return
		}
		if reply, ok := h.handleData(data); ok {
			send(reply)
		}
	}
}

func (h *Handler) handleResponse(resp protocol.PortForwardDestinationResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.pending[resp.ClientFd]
	if !ok {
		return
	}
	delete(h.pending, resp.ClientFd)

	if resp.Error != "" {
		h.log.Warn("peer could not reach destination", h.log.Args("fd", resp.ClientFd, "error", resp.Error))
		h.net.Close(sh)
		return
	}
	h.active[resp.SocketID] = sh
	h.stats.OpenStream()
	h.log.Debug("stream active", h.log.Args("fd", resp.ClientFd, "socket_id", resp.SocketID))
}

// handleRequest dials the destination without holding the lock.
func (h *Handler) handleRequest(req protocol.PortForwardDestinationRequest) protocol.PortForwardDestinationResponse {
	resp := protocol.PortForwardDestinationResponse{ClientFd: req.Fd}
	addr := endpointAddr(req.Destination)

	ctx, cancel := context.WithTimeout(context.Background(), h.dial)
	defer cancel()
	sh, err := h.net.Connect(ctx, addr)
	if err != nil {
		h.log.Warn("forward destination unreachable", h.log.Args("destination", addr, "error", err))
		resp.Error = "connect failed: " + err.Error()
		return resp
	}

	h.mu.Lock()
	id := h.nextSocketID
	h.nextSocketID++
	h.active[id] = sh
	h.mu.Unlock()

	h.stats.OpenStream()
	resp.SocketID = id
	h.log.Debug("destination connected", h.log.Args("destination", addr, "socket_id", id))
	return resp
}

// handleData writes inbound bytes to the mapped stream. A local write failure
// closes the stream and returns a closed-tagged packet for the peer.
func (h *Handler) handleData(data protocol.PortForwardData) (protocol.Packet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.active[data.SocketID]
	if !ok {
		h.log.Debug("data for unknown socket dropped", h.log.Args("socket_id", data.SocketID))
		return protocol.Packet{}, false
	}

	if len(data.Buffer) > 0 {
		if werr := transport.WriteAll(h.net, sh, data.Buffer); werr != nil {
			h.closeActive(data.SocketID, sh)
			pkt, err := protocol.NewMessagePacket(protocol.KindPortForwardData, protocol.PortForwardData{
				SocketID:            data.SocketID,
				SourceToDestination: h.role == RoleSource,
				Closed:              true,
				Error:               werr.Error(),
			})
			return pkt, err == nil
		}
	}
	if data.Closed {
		h.closeActive(data.SocketID, sh)
	}
	return protocol.Packet{}, false
}

func (h *Handler) closeActive(id int32, sh transport.Handle) {
	h.net.Close(sh)
	delete(h.active, id)
	h.stats.CloseStream()
	h.log.Debug("stream closed", h.log.Args("socket_id", id))
}

// Close releases every listener and stream.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, l := range h.listeners {
		h.net.Close(l.handle)
	}
	for fd, sh := range h.pending {
		h.net.Close(sh)
		delete(h.pending, fd)
	}
	for id, sh := range h.active {
		h.closeActive(id, sh)
	}
	h.listeners = nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func endpointAddr(ep protocol.SocketEndpoint) string {
	name := ep.Name
	if name == "" {
		name = "localhost"
	}
	return net.JoinHostPort(name, strconv.Itoa(ep.Port))
}

func appendMessage(out []protocol.Packet, kind uint8, v any) []protocol.Packet {
	pkt, err := protocol.NewMessagePacket(kind, v)
	if err != nil {
		return out
	}
	return append(out, pkt)
}
