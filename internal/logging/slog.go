package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// SlogLogger implements Logger on log/slog.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing slog logger.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

// New builds a text logger on stderr at the given level name
// (debug, info, warn, error). Unknown names fall back to info.
func New(level string) *SlogLogger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter builds a text logger writing to w.
func NewWithWriter(w io.Writer, level string) *SlogLogger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return NewSlogLogger(slog.New(h))
}

// Nop discards everything.
func Nop() *SlogLogger {
	return NewWithWriter(io.Discard, "error")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

// With returns a logger that adds args to every entry.
func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}
