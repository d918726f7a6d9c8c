package forward

import (
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

// Pair holds both halves one side of a session needs: Source for forwards
// it listens for, Sink for forwards the peer listens for.
type Pair struct {
	Source *Handler
	Sink   *Handler
}

func NewPair(n transport.Network, opts Options) *Pair {
	return &Pair{
		Source: NewHandler(n, RoleSource, opts),
		Sink:   NewHandler(n, RoleSink, opts),
	}
}

// HandlePacket offers pkt to both handlers; each ignores what is not meant
// for its role.
func (p *Pair) HandlePacket(pkt protocol.Packet, send Send) {
	p.Source.HandlePacket(pkt, send)
	p.Sink.HandlePacket(pkt, send)
}

func (p *Pair) Update(send Send) {
	p.Source.Update(send)
	p.Sink.Update(send)
}

func (p *Pair) Close() {
	p.Source.Close()
	p.Sink.Close()
}
