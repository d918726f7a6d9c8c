// Undying server: accepts client sessions, hands terminal traffic to the
// registered terminal hosts and runs the port forwards.
//
// Terminal hosts (undying-terminal) register over a local unix socket.
// Clients listed under [[server.clients]] in the config may connect without
// a terminal host to use port forwarding only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/Microck/UndyingTerminal/internal/config"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/server"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "TOML configuration file")
	listen := flag.String("listen", "", "Client listen address, e.g. :2022")
	pipe := flag.String("pipe", "", "Unix socket terminal hosts register on")
	transportName := flag.String("transport", "", "Transport: tcp, ws or webrtc")
	keygen := flag.Bool("keygen", false, "Print a new client id and passkey and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *keygen {
		printKey()
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("%v", err)
		}
		cfg = loaded
	}

	s := &cfg.Server
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			s.Listen = *listen
		case "pipe":
			s.Pipe = *pipe
		case "transport":
			s.Transport = config.Transport(strings.ToLower(*transportName))
		}
	})
	if err := s.Validate(); err != nil {
		fatal("%v", err)
	}

	logger, err := cfg.Log.NewLogger(*debugMode)
	if err != nil {
		fatal("%v", err)
	}

	pterm.Info.Println(fmt.Sprintf("Undying Terminal server v%s", version))
	pterm.Println()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logger.Args("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *pterm.Logger) error {
	s := cfg.Server

	registry := server.NewRegistry()
	for _, c := range s.Clients {
		registry.AddStatic(c.ID, c.Passkey)
	}
	if len(s.Clients) > 0 {
		logger.Info("loaded static clients", logger.Args("count", len(s.Clients)))
	}

	srv := server.New(newNetwork(s, logger), transport.NewPipe(), registry, server.Options{
		Logger:         logger,
		StaleAfter:     s.StaleAfter,
		MaxBackupBytes: s.MaxBackupBytes,
		StatsInterval:  cfg.Log.StatsInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, s.Listen) })
	g.Go(func() error { return srv.ListenTerminals(gctx, s.Pipe) })
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func newNetwork(s config.Server, logger *pterm.Logger) transport.Network {
	switch s.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(transport.DefaultDialTimeout)
	case config.TransportWebRTC:
		stun := s.STUNServers
		if len(stun) == 0 {
			stun = transport.DefaultSTUNServers
		}
		return transport.NewWebRTC(stun, logger)
	}
	return transport.NewTCP(transport.DefaultDialTimeout)
}

// printKey prints fresh credentials ready to paste into both config files.
func printKey() {
	key, err := crypto.GenerateKey()
	if err != nil {
		fatal("%v", err)
	}
	id := util.NewClientID()
	fmt.Printf("[[server.clients]]\nid = %q\npasskey = %q\n\n", id, key)
	fmt.Printf("[client]\nid = %q\npasskey = %q\n", id, key)
}

func fatal(format string, args ...any) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
	os.Exit(1)
}
