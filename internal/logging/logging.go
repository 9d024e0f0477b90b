// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides component-scoped structured logging on top of log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level is a logging severity.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config controls logger construction.
type Config struct {
	Level  Level
	Output io.Writer // defaults to os.Stderr
	JSON   bool
	Syslog SyslogConfig
}

// DefaultConfig returns an info-level text logger on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// ParseLevel maps a config string to a Level. Unknown strings map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger wraps slog.Logger with the helpers used across fastpath.
type Logger struct {
	*slog.Logger
}

// New creates a logger from cfg. When syslog is enabled and reachable,
// records are written to both the output and the syslog sink.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			out = io.MultiWriter(out, w)
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h)}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns the default logger tagged with a component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent tags the logger with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// With returns a logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithError attaches err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// Info logs on the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs on the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs on the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// Debug logs on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
