package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testPasskey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "undying.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[client]
id = " laptop "
passkey = "`+testPasskey+`"
server = "example.com:2022"
transport = "WS"
forwards = "8080:80"
keepalive = "2s"

[server]
listen = "0.0.0.0:2022"
stale_after = "1m"

[[server.clients]]
id = "ci"
passkey = "`+testPasskey+`"

[log]
level = "debug"
stats_interval = "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.ID != "laptop" {
		t.Fatalf("client id = %q", cfg.Client.ID)
	}
	if cfg.Client.Transport != TransportWebSocket {
		t.Fatalf("transport = %q", cfg.Client.Transport)
	}
	if cfg.Client.KeepAlive != 2*time.Second {
		t.Fatalf("keepalive = %v", cfg.Client.KeepAlive)
	}
	if cfg.Client.DeadAfter != 15*time.Second {
		t.Fatalf("dead_after should keep its default, got %v", cfg.Client.DeadAfter)
	}
	if cfg.Client.Forwards != "8080:80" {
		t.Fatalf("forwards = %q", cfg.Client.Forwards)
	}
	if cfg.Server.Listen != "0.0.0.0:2022" || cfg.Server.StaleAfter != time.Minute {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Server.Pipe != DefaultPipePath() {
		t.Fatalf("pipe should keep its default, got %q", cfg.Server.Pipe)
	}
	if len(cfg.Server.Clients) != 1 || cfg.Server.Clients[0].ID != "ci" {
		t.Fatalf("clients = %+v", cfg.Server.Clients)
	}
	if cfg.Log.Level != "debug" || cfg.Log.StatsInterval != 30*time.Second {
		t.Fatalf("log = %+v", cfg.Log)
	}

	if err := cfg.Client.Validate(); err != nil {
		t.Fatalf("client Validate: %v", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		t.Fatalf("server Validate: %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "[client]\nkeepalive = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a duration parse error")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "[client]\nkeepalvie = \"5s\"\n")
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestClientValidate(t *testing.T) {
	valid := Default().Client
	valid.Passkey = testPasskey

	testCases := []struct {
		name   string
		mutate func(*Client)
	}{
		{name: "no server", mutate: func(c *Client) { c.Server = "" }},
		{name: "short passkey", mutate: func(c *Client) { c.Passkey = "short" }},
		{name: "unknown transport", mutate: func(c *Client) { c.Transport = "quic" }},
		{name: "zero keepalive", mutate: func(c *Client) { c.KeepAlive = 0 }},
		{name: "dead before keepalive", mutate: func(c *Client) { c.DeadAfter = c.KeepAlive }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid client: %v", err)
	}
	for _, tc := range testCases {
		c := valid
		tc.mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: error = %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestServerValidate(t *testing.T) {
	s := Default().Server
	if err := s.Validate(); err != nil {
		t.Fatalf("default server: %v", err)
	}

	s.Clients = []StaticClient{{ID: "a", Passkey: testPasskey}, {ID: "a", Passkey: testPasskey}}
	if err := s.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("duplicate ids: error = %v, want ErrInvalid", err)
	}

	s.Clients = []StaticClient{{ID: "a", Passkey: "nope"}}
	if err := s.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad passkey: error = %v, want ErrInvalid", err)
	}
}

func TestLogNewLogger(t *testing.T) {
	t.Setenv(LogLevelEnv, "")
	if _, err := (Log{Level: "warn"}).NewLogger(false); err != nil {
		t.Fatalf("warn level: %v", err)
	}
	if _, err := (Log{Level: "loud"}).NewLogger(false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad level: error = %v, want ErrInvalid", err)
	}
	if _, err := (Log{Level: "loud"}).NewLogger(true); err != nil {
		t.Fatalf("debug flag should win: %v", err)
	}

	t.Setenv(LogLevelEnv, "nonsense")
	if _, err := (Log{Level: "info"}).NewLogger(false); !errors.Is(err, ErrInvalid) {
		t.Fatalf("env level: error = %v, want ErrInvalid", err)
	}
}
