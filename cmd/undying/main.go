// Undying client: attaches the local terminal to a session on an undying
// server and keeps it alive across network changes.
//
// Settings come from an optional TOML file (-config) and are overridden by
// flags. With -tunnel no terminal is attached and only the port forwards run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/Microck/UndyingTerminal/internal/client"
	"github.com/Microck/UndyingTerminal/internal/config"
	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/forward"
	"github.com/Microck/UndyingTerminal/internal/transport"
	"github.com/Microck/UndyingTerminal/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "TOML configuration file")
	id := flag.String("id", "", "Client id registered on the server")
	passkey := flag.String("passkey", "", "Session passkey (32 characters or 64 hex digits); defaults to $UNDYING_PASSKEY")
	server := flag.String("server", "", "Server address host:port (or ws:// URL, or signaling URL for webrtc)")
	transportName := flag.String("transport", "", "Transport: tcp, ws or webrtc")
	forwards := flag.String("t", "", "Local forwards, e.g. 8080:80,9000-9002:9000-9002")
	reverse := flag.String("r", "", "Reverse forwards the server listens for, same syntax as -t")
	jumphost := flag.String("jumphost", "", "Dial this server and let it relay the session to -server")
	command := flag.String("c", "", "Command typed into the terminal once a new session starts")
	noExit := flag.Bool("noexit", false, "Keep the terminal open after -c finishes")
	tunnelOnly := flag.Bool("tunnel", false, "Do not attach a terminal; run port forwards only")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("%v", err)
		}
		cfg = loaded
	}

	c := &cfg.Client
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			c.ID = *id
		case "passkey":
			c.Passkey = *passkey
		case "server":
			c.Server = *server
		case "transport":
			c.Transport = config.Transport(strings.ToLower(*transportName))
		case "t":
			c.Forwards = *forwards
		case "r":
			c.ReverseForwards = *reverse
		case "jumphost":
			c.Jumphost = *jumphost
		case "c":
			c.Command = *command
		case "noexit":
			c.NoExit = *noExit
		}
	})
	if c.Passkey == "" {
		c.Passkey = os.Getenv("UNDYING_PASSKEY")
	}
	if c.ID == "" {
		fatal("missing -id")
	}
	if err := c.Validate(); err != nil {
		fatal("%v", err)
	}

	logger, err := cfg.Log.NewLogger(*debugMode)
	if err != nil {
		fatal("%v", err)
	}

	pterm.Info.Println(fmt.Sprintf("Undying Terminal v%s", version))
	pterm.Println()

	if err := run(ctx, cfg, logger, *tunnelOnly); err != nil {
		logger.Error("session ended", logger.Args("error", err))
		os.Exit(1)
	}
	logger.Info("session closed")
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config, logger *pterm.Logger, tunnelOnly bool) error {
	c := cfg.Client

	fwds, err := forward.ParseForwards(c.Forwards)
	if err != nil {
		return err
	}
	reverse, err := forward.ParseForwards(c.ReverseForwards)
	if err != nil {
		return err
	}
	key, err := crypto.ParseKey(c.Passkey)
	if err != nil {
		return err
	}

	dialer := newDialer(c, logger)
	addr, jumpTo := c.Server, ""
	if c.Jumphost != "" {
		addr, jumpTo = c.Jumphost, c.Server
	}

	stats := &util.Stats{}
	conn, err := connection.NewClientConnection(dialer, addr, c.ID, key, connection.ClientOptions{
		Options:           connection.Options{Logger: logger, Stats: stats},
		ReconnectInterval: c.Reconnect,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Info("connecting", logger.Args("server", addr, "transport", c.Transport, "key", util.Fingerprint(key)))
	if err := conn.Connect(ctx); err != nil {
		return err
	}

	opts := client.Options{
		Logger:          logger,
		Stats:           stats,
		StatsInterval:   cfg.Log.StatsInterval,
		Forwards:        fwds,
		ReverseForwards: reverse,
		JumpDestination: jumpTo,
		Command:         c.Command,
		NoExit:          c.NoExit,
		KeepAlive:       c.KeepAlive,
		DeadAfter:       c.DeadAfter,
	}

	stdin := int(os.Stdin.Fd())
	interactive := !tunnelOnly && term.IsTerminal(stdin)
	if interactive {
		stdout := int(os.Stdout.Fd())
		opts.Size = func() (int, int, error) { return term.GetSize(stdout) }
	}

	session := client.NewSession(conn, opts)
	if err := session.Start(ctx); err != nil {
		return err
	}

	if tunnelOnly {
		logger.Info("tunnel established", logger.Args("forwards", len(fwds), "reverse", len(reverse)))
		return session.Run(ctx, nil, nil)
	}

	if interactive {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
	}
	return session.Run(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func newDialer(c config.Client, logger *pterm.Logger) transport.Dialer {
	switch c.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(transport.DefaultDialTimeout)
	case config.TransportWebRTC:
		stun := c.STUNServers
		if len(stun) == 0 {
			stun = transport.DefaultSTUNServers
		}
		return transport.NewWebRTC(stun, logger)
	}
	return transport.NewTCP(transport.DefaultDialTimeout)
}

func fatal(format string, args ...any) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
	os.Exit(1)
}
