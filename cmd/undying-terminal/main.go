// Undying terminal host: registers a client id and passkey with the local
// undying server, waits for that client to connect and then runs a shell for
// it, or relays the session to another server in jumphost mode.
//
// Credentials come from -id/-passkey or one "id/passkey" line on stdin. An
// id starting with XXX makes the host generate credentials and print them.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/config"
	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/terminal"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "TOML configuration file (uses [server] pipe and [log])")
	pipe := flag.String("pipe", "", "Server's terminal socket")
	id := flag.String("id", "", "Client id; read from stdin with the passkey when empty")
	passkey := flag.String("passkey", "", "Client passkey")
	shell := flag.String("shell", "", "Shell to run, defaults to $SHELL or /bin/sh")
	jump := flag.Bool("jump", false, "Expect a jumphost session and relay it")
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
	if *pipe != "" {
		cfg.Server.Pipe = *pipe
	}

	logger, err := cfg.Log.NewLogger(*debugMode)
	if err != nil {
		fatal("%v", err)
	}

	info, err := credentials(*id, *passkey)
	if err != nil {
		fatal("%v", err)
	}

	if err := run(ctx, cfg, info, *shell, *jump, logger); err != nil {
		logger.Error("terminal host stopped", logger.Args("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, info protocol.TerminalUserInfo, shell string, jump bool, logger *pterm.Logger) error {
	host, err := terminal.Register(ctx, transport.NewPipe(), cfg.Server.Pipe, info, terminal.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer host.Close()
	logger.Info("registered, waiting for client", logger.Args("id", info.ID))

	start, err := host.WaitInit(ctx)
	if err != nil {
		return err
	}
	if start.Jumphost != jump {
		return fmt.Errorf("%w: jumphost=%v", terminal.ErrUnexpectedInit, start.Jumphost)
	}

	if jump {
		return host.Relay(ctx, transport.NewTCP(transport.DefaultDialTimeout), start, connection.ClientOptions{
			Options: connection.Options{Logger: logger},
		})
	}

	sh, err := startShell(shell)
	if err != nil {
		return err
	}
	logger.Info("session started", logger.Args("id", info.ID, "shell", sh.cmd.Path))
	err = host.Serve(ctx, sh, func(ti protocol.TerminalInfo) {
		// Pipes have no window size to set.
		logger.Debug("terminal resized", logger.Args("cols", ti.Column, "rows", ti.Row))
	})
	if werr := sh.wait(); werr != nil {
		logger.Debug("shell exited", logger.Args("error", werr))
	}
	return err
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func credentials(id, passkey string) (protocol.TerminalUserInfo, error) {
	line := id + "/" + passkey
	if id == "" {
		raw, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && (raw == "" || !errors.Is(err, io.EOF)) {
			return protocol.TerminalUserInfo{}, fmt.Errorf("read id/passkey: %w", err)
		}
		line = raw
	}
	info, generated, err := terminal.ParseCredentials(line)
	if err != nil {
		return info, err
	}
	if generated {
		fmt.Println(terminal.Credentials(info))
	}
	return info, nil
}

// shellProcess exposes a shell's stdio as one stream. Output and errors are
// merged.
type shellProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *io.PipeReader

	once sync.Once
	done chan error
}

func startShell(path string) (*shellProcess, error) {
	if path == "" {
		path = os.Getenv("SHELL")
	}
	if path == "" {
		path = "/bin/sh"
	}

	cmd := exec.Command(path, "-i")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell %s: %w", path, err)
	}

	sp := &shellProcess{cmd: cmd, stdin: stdin, output: pr, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		pw.Close()
		sp.done <- err
	}()
	return sp, nil
}

func (s *shellProcess) Read(p []byte) (int, error)  { return s.output.Read(p) }
func (s *shellProcess) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close ends the shell.
func (s *shellProcess) Close() error {
	s.once.Do(func() {
		s.stdin.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *shellProcess) wait() error {
	s.Close()
	return <-s.done
}

func fatal(format string, args ...any) {
	pterm.Error.Println(fmt.Sprintf(format, args...))
	os.Exit(1)
}
