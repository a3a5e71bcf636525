// Package logging provides the diagnostics sink handed to every component.
// It is a thin interface over log/slog so components never reach for a
// process-wide logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a leveled, structured logger. Key/value pairs follow the slog
// convention.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	With(keysAndValues ...any) Logger
}

// SlogLogger implements Logger on top of a *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

var _ Logger = (*SlogLogger)(nil)

func NewSlog(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *SlogLogger) With(keysAndValues ...any) Logger {
	return &SlogLogger{logger: l.logger.With(keysAndValues...)}
}

// New writes text records (time, level, message, attributes) to w.
func New(w io.Writer, level slog.Level) *SlogLogger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return NewSlog(slog.New(handler))
}

// Open appends to the file at path and mirrors every record to stdout.
// The returned close func releases the file.
func Open(path string, level slog.Level) (*SlogLogger, func() error, error) {
	if path == "" {
		return New(os.Stdout, level), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return New(io.MultiWriter(f, os.Stdout), level), f.Close, nil
}

// Discard drops everything. Used by tests and as the zero-value default.
func Discard() Logger {
	return New(io.Discard, slog.LevelError+1)
}

// ParseLevel accepts debug, info, warn(ing) and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
