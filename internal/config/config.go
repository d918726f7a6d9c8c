// Package config loads the client and server settings. A TOML file is
// overlaid onto Default(), then main applies command-line flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/crypto"
	"github.com/Microck/UndyingTerminal/internal/util"
)

// LogLevelEnv overrides Log.Level when set.
const LogLevelEnv = "UNDYING_LOG_LEVEL"

// Transport names the client-facing network.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"
	TransportWebRTC    Transport = "webrtc"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Client holds the settings of the undying client.
type Client struct {
	ID              string
	Passkey         string
	Server          string
	Transport       Transport
	Forwards        string // local forwards, see forward.ParseForwards
	ReverseForwards string // forwards the server listens for
	Jumphost        string // dial this host and let it relay to Server
	Command         string // typed into the terminal once a fresh session starts
	NoExit          bool   // keep the terminal open after Command
	KeepAlive       time.Duration
	DeadAfter       time.Duration
	Reconnect       time.Duration
	STUNServers     []string
}

// StaticClient is a client the server accepts without a terminal host.
type StaticClient struct {
	ID      string `toml:"id"`
	Passkey string `toml:"passkey"`
}

// Server holds the settings of the undying server.
type Server struct {
	Listen         string
	Pipe           string
	Transport      Transport
	StaleAfter     time.Duration
	MaxBackupBytes int
	Clients        []StaticClient
	STUNServers    []string
}

type Log struct {
	Level         string
	Time          bool
	StatsInterval time.Duration
}

// NewLogger builds the process logger writing to stderr. $UNDYING_LOG_LEVEL
// beats the configured level and debug beats both.
func (l Log) NewLogger(debug bool) (*pterm.Logger, error) {
	level := l.Level
	if env := os.Getenv(LogLevelEnv); env != "" {
		level = env
	}
	if debug {
		level = "debug"
	}
	logger, err := util.NewLogger(util.LogConfig{Level: level, ShowTime: l.Time, Writer: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return logger, nil
}

type Config struct {
	Client Client
	Server Server
	Log    Log
}

// DefaultPipePath is where the server listens for terminal hosts.
func DefaultPipePath() string {
	return filepath.Join(os.TempDir(), "undying-terminal.sock")
}

func Default() Config {
	return Config{
		Client: Client{
			Server:    "127.0.0.1:2022",
			Transport: TransportTCP,
			KeepAlive: 5 * time.Second,
			DeadAfter: 15 * time.Second,
			Reconnect: time.Second,
		},
		Server: Server{
			Listen:         ":2022",
			Pipe:           DefaultPipePath(),
			Transport:      TransportTCP,
			StaleAfter:     10 * time.Minute,
			MaxBackupBytes: 64 * 1024 * 1024,
		},
		Log: Log{Level: "info"},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// File loading
// ──────────────────────────────────────────────────────────────────────────────

type fileClient struct {
	ID              string   `toml:"id"`
	Passkey         string   `toml:"passkey"`
	Server          string   `toml:"server"`
	Transport       string   `toml:"transport"`
	Forwards        string   `toml:"forwards"`
	ReverseForwards string   `toml:"reverse_forwards"`
	Jumphost        string   `toml:"jumphost"`
	Command         string   `toml:"command"`
	NoExit          bool     `toml:"no_exit"`
	KeepAlive       string   `toml:"keepalive"`
	DeadAfter       string   `toml:"dead_after"`
	Reconnect       string   `toml:"reconnect"`
	STUNServers     []string `toml:"stun_servers"`
}

type fileServer struct {
	Listen         string         `toml:"listen"`
	Pipe           string         `toml:"pipe"`
	Transport      string         `toml:"transport"`
	StaleAfter     string         `toml:"stale_after"`
	MaxBackupBytes int            `toml:"max_backup_bytes"`
	Clients        []StaticClient `toml:"clients"`
	STUNServers    []string       `toml:"stun_servers"`
}

type fileLog struct {
	Level         string `toml:"level"`
	Time          bool   `toml:"time"`
	StatsInterval string `toml:"stats_interval"`
}

type fileConfig struct {
	Client fileClient `toml:"client"`
	Server fileServer `toml:"server"`
	Log    fileLog    `toml:"log"`
}

// Load reads the TOML file at path over Default(). Keys absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	c := &cfg.Client
	str(&c.ID, raw.Client.ID, "client", "id")
	str(&c.Passkey, raw.Client.Passkey, "client", "passkey")
	str(&c.Server, raw.Client.Server, "client", "server")
	if meta.IsDefined("client", "transport") {
		c.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Client.Transport)))
	}
	str(&c.Forwards, raw.Client.Forwards, "client", "forwards")
	str(&c.ReverseForwards, raw.Client.ReverseForwards, "client", "reverse_forwards")
	str(&c.Jumphost, raw.Client.Jumphost, "client", "jumphost")
	if meta.IsDefined("client", "command") {
		c.Command = raw.Client.Command
	}
	if meta.IsDefined("client", "no_exit") {
		c.NoExit = raw.Client.NoExit
	}
	if err := dur(&c.KeepAlive, raw.Client.KeepAlive, "client", "keepalive"); err != nil {
		return Config{}, err
	}
	if err := dur(&c.DeadAfter, raw.Client.DeadAfter, "client", "dead_after"); err != nil {
		return Config{}, err
	}
	if err := dur(&c.Reconnect, raw.Client.Reconnect, "client", "reconnect"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("client", "stun_servers") {
		c.STUNServers = normalizeList(raw.Client.STUNServers)
	}

	s := &cfg.Server
	str(&s.Listen, raw.Server.Listen, "server", "listen")
	str(&s.Pipe, raw.Server.Pipe, "server", "pipe")
	if meta.IsDefined("server", "transport") {
		s.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Server.Transport)))
	}
	if err := dur(&s.StaleAfter, raw.Server.StaleAfter, "server", "stale_after"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("server", "max_backup_bytes") {
		s.MaxBackupBytes = raw.Server.MaxBackupBytes
	}
	if meta.IsDefined("server", "clients") {
		s.Clients = raw.Server.Clients
	}
	if meta.IsDefined("server", "stun_servers") {
		s.STUNServers = normalizeList(raw.Server.STUNServers)
	}

	str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	if meta.IsDefined("log", "time") {
		cfg.Log.Time = raw.Log.Time
	}
	if err := dur(&cfg.Log.StatsInterval, raw.Log.StatsInterval, "log", "stats_interval"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Validation
// ──────────────────────────────────────────────────────────────────────────────

func (t Transport) valid() bool {
	switch t {
	case TransportTCP, TransportWebSocket, TransportWebRTC:
		return true
	}
	return false
}

// Validate checks the client settings. An empty ID is allowed; main fills
// in a generated one.
func (c Client) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("%w: client server address is required", ErrInvalid)
	}
	if _, err := crypto.ParseKey(c.Passkey); err != nil {
		return fmt.Errorf("%w: client passkey: %v", ErrInvalid, err)
	}
	if !c.Transport.valid() {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.KeepAlive <= 0 || c.DeadAfter <= 0 || c.Reconnect <= 0 {
		return fmt.Errorf("%w: client intervals must be positive", ErrInvalid)
	}
	if c.DeadAfter <= c.KeepAlive {
		return fmt.Errorf("%w: dead_after (%s) must exceed keepalive (%s)", ErrInvalid, c.DeadAfter, c.KeepAlive)
	}
	return nil
}

func (s Server) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("%w: server listen address is required", ErrInvalid)
	}
	if !s.Transport.valid() {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, s.Transport)
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after must be positive", ErrInvalid)
	}
	if s.MaxBackupBytes < 0 {
		return fmt.Errorf("%w: max_backup_bytes must not be negative", ErrInvalid)
	}
	seen := make(map[string]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c.ID == "" {
			return fmt.Errorf("%w: server.clients[%d] has no id", ErrInvalid, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate client id %q", ErrInvalid, c.ID)
		}
		seen[c.ID] = true
		if _, err := crypto.ParseKey(c.Passkey); err != nil {
			return fmt.Errorf("%w: client %q passkey: %v", ErrInvalid, c.ID, err)
		}
	}
	return nil
}
