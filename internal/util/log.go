// Package util provides the logger, traffic counters and small helpers shared
// by the client and the server.
package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
)

const logTimeFormat = "02 Jan 15:04:05"

// LogConfig selects how a logger is built. Components never read the
// environment themselves; main resolves flags and variables into this.
type LogConfig struct {
	Level    string    // trace, debug, info, warn, error or disabled
	Writer   io.Writer // defaults to pterm's writer (stderr)
	ShowTime bool
}

// ParseLevel maps a level name onto a pterm log level.
func ParseLevel(name string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	case "disabled", "off", "none":
		return pterm.LogLevelDisabled, nil
	}
	return pterm.LogLevelInfo, fmt.Errorf("unknown log level %q", name)
}

// NewLogger builds a pterm logger from cfg.
func NewLogger(cfg LogConfig) (*pterm.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	logger := pterm.DefaultLogger.
		WithLevel(level).
		WithTime(cfg.ShowTime).
		WithTimeFormat(logTimeFormat).
		WithMaxWidth(1000)
	if cfg.Writer != nil {
		logger = logger.WithWriter(cfg.Writer)
	}
	return logger, nil
}

// NopLogger returns a logger that drops everything.
func NopLogger() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled).WithWriter(io.Discard)
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *pterm.Logger) *pterm.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
