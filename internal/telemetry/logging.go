package telemetry

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the root slog.Logger, writing text-formatted records to
// w at the given level. Unrecognized levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel converts a config log level string to an slog.Level.
func ParseLevel(level string) slog.Level {
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

// ConnectionLogger returns a logger scoped to one proxy connection, carrying
// its identity as a structured field, the connection-scoped analogue of a
// request-scoped logger.
func ConnectionLogger(base *slog.Logger, connID string) *slog.Logger {
	return base.With("connection_id", connID)
}
