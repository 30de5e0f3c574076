// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured, component-scoped logger used
// throughout the data plane. It wraps log/slog so call sites stay terse
// key-value pairs instead of formatted strings, with an optional syslog
// forwarder for deployments that centralize logs off-box.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Level mirrors slog's levels so callers don't need to import log/slog.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config controls how the default logger is constructed.
type Config struct {
	Level  Level
	Format string // "text" or "json"
	Output io.Writer
	Syslog SyslogConfig
}

// DefaultConfig returns a text logger at info level writing to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	slog      *slog.Logger
	component string
}

// New builds a Logger from cfg. If cfg.Syslog is enabled, log records are
// also forwarded to the syslog writer; a forwarding failure never blocks
// or errors the caller, it is dropped silently the way the teacher's
// syslog writer treats best-effort delivery.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	writers := []io.Writer{out}
	if cfg.Syslog.Enabled {
		if w, err := NewSyslogWriter(cfg.Syslog); err == nil {
			writers = append(writers, w)
		}
	}

	var w io.Writer = out
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{slog: slog.New(handler)}
}

var defaultLogger atomic.Pointer[Logger]
var defaultOnce sync.Once

func defaultLoggerInit() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger.Load() == nil {
			defaultLogger.Store(New(DefaultConfig()))
		}
	})
	return defaultLogger.Load()
}

// SetDefault installs l as the package-level logger used by Info/Warn/Error/Debug.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// WithComponent returns a Logger tagged with the given component name,
// derived from the package-level default logger.
func WithComponent(component string) *Logger {
	return defaultLoggerInit().WithComponent(component)
}

// Info logs at info level on the package-level default logger.
func Info(msg string, kv ...any) { defaultLoggerInit().Info(msg, kv...) }

// Warn logs at warn level on the package-level default logger.
func Warn(msg string, kv ...any) { defaultLoggerInit().Warn(msg, kv...) }

// Error logs at error level on the package-level default logger.
func Error(msg string, kv ...any) { defaultLoggerInit().Error(msg, kv...) }

// Debug logs at debug level on the package-level default logger.
func Debug(msg string, kv ...any) { defaultLoggerInit().Debug(msg, kv...) }

// WithComponent returns a child Logger tagged with component; it is
// included as a "component" attribute on every subsequent record.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{slog: l.slog.With("component", component), component: component}
}

// WithError returns a child Logger with "error" pre-attached, so call
// sites can write logger.WithError(err).Error("message", "k", v).
func (l *Logger) WithError(err error) *Logger {
	return &Logger{slog: l.slog.With("error", err), component: l.component}
}

// With returns a child Logger with the given key-value pairs pre-attached.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{slog: l.slog.With(kv...), component: l.component}
}

func (l *Logger) Info(msg string, kv ...any)  { l.slog.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.slog.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.slog.Error(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.slog.Debug(msg, kv...) }

// Component returns the component name this logger was tagged with, if any.
func (l *Logger) Component() string { return l.component }
