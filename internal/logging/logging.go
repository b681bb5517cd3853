// Package logging parses the MAN10ROUTINE_LOG environment filter string
// into a slog.Level, the same role RUST_LOG played in the original.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// EnvVar is the environment variable consulted for verbosity, per spec §6.
const EnvVar = "MAN10ROUTINE_LOG"

// LevelFromEnv reads EnvVar and parses it into a slog.Level, defaulting to
// Info when unset or unrecognized.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv(EnvVar))
}

// ParseLevel maps a filter string to a slog.Level. Accepts the standard
// slog names case-insensitively ("debug", "info", "warn", "error") plus the
// aliases "trace" (Debug) and "warning" (Warn); any other value (including
// empty) resolves to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDefault installs a JSON slog.Logger at the level read from EnvVar as
// the process-wide default logger.
func NewDefault() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: LevelFromEnv()})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
