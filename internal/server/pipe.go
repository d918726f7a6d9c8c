package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

var ErrNotRegistration = errors.New("server: terminal host did not send its user info")

// ListenTerminals opens the terminal pipe at path and serves it until ctx
// ends.
func (s *Server) ListenTerminals(ctx context.Context, path string) error {
	if s.pipe == nil {
		return errors.New("server: no terminal pipe configured")
	}
	lh, err := s.pipe.Listen(path)
	if err != nil {
		return err
	}
	s.log.Info("listening for terminal hosts", s.log.Args("path", s.pipe.ListenAddr(lh)))
	return s.ServeTerminals(ctx, lh)
}

// ServeTerminals registers every terminal host that connects to lh. A host
// announces itself with one TerminalUserInfo packet and then waits for the
// session's init packet.
func (s *Server) ServeTerminals(ctx context.Context, lh transport.Handle) error {
	defer s.pipe.Close(lh)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.pipe.HasData(lh) {
			time.Sleep(acceptPollInterval)
			continue
		}
		h := s.pipe.Accept(lh)
		if h == transport.InvalidHandle {
			continue
		}
		go func() {
			if err := s.registerTerminal(h); err != nil {
				s.log.Warn("terminal registration failed", s.log.Args("error", err))
				s.pipe.Close(h)
			}
		}()
	}
}

func (s *Server) registerTerminal(h transport.Handle) error {
	pkt, err := transport.ReadPacket(s.pipe, h, s.opts.handshakeTimeout())
	if err != nil {
		return err
	}
	if pkt.Kind != protocol.KindTerminalUserInfo {
		return fmt.Errorf("%w (got %s)", ErrNotRegistration, protocol.KindName(pkt.Kind))
	}
	var info protocol.TerminalUserInfo
	if err := protocol.Unmarshal(pkt.Payload, &info); err != nil {
		return err
	}
	if info.ID == "" {
		return fmt.Errorf("%w: empty client id", ErrNotRegistration)
	}

	s.registry.RegisterTerminal(info.ID, info.Passkey, h)
	s.log.Info("terminal registered", s.log.Args("id", info.ID))
	return nil
}
