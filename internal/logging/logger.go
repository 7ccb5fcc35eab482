// Package logging builds the slog loggers used across tfsctl.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures NewLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "text" or "json". Defaults to text.
	Format string
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// Component, when set, is attached to every record.
	Component string
}

// NewLogger returns a logger for opts.
func NewLogger(opts Options) *slog.Logger {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		h = slog.NewJSONHandler(writer, handlerOpts)
	default:
		h = slog.NewTextHandler(writer, handlerOpts)
	}

	lg := slog.New(h)
	if c := strings.TrimSpace(opts.Component); c != "" {
		lg = lg.With("component", c)
	}
	return lg
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// RedactToken returns a short, non-reversible hint of a credential for logs.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "[REDACTED]"
	}
	return token[:2] + "..." + token[len(token)-2:]
}

// RedactEmail keeps the first character of the local part and the domain,
// so log lines stay useful for telling accounts apart.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" || domain == "" {
		return "[REDACTED]"
	}
	return local[:1] + "***@" + domain
}
