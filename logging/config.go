// Package logging provides the global slog-based logging service and the
// request logging middleware for the package server.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds a stderr text logger at the requested level. Unknown
// levels fall back to info.
func SetupLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a LOG_LEVEL string to its slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
