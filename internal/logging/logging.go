// Package logging defines the Logger injected into every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger interface for dependency injection. Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// DefaultLogger provides a slog-backed logger implementation.
type DefaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger creates a text logger writing to stderr at the given level.
func NewDefaultLogger(level string) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a text logger writing to w at the given level.
func NewLogger(w io.Writer, level string) *DefaultLogger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &DefaultLogger{logger: slog.New(h)}
}

// With returns a logger that adds fields to every record.
func (l *DefaultLogger) With(fields ...interface{}) *DefaultLogger {
	return &DefaultLogger{logger: l.logger.With(fields...)}
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, fields...)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, fields...)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, fields...)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, fields...)
}

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}
