package harvesttesting

import (
	"log/slog"
	"os"
	"testing"
)

// NewTestLogger returns a logger for tests at the given level. Setting
// DEBUG=2 forces debug output regardless of the requested level; by
// default only errors are shown to keep test output quiet.
func NewTestLogger(t testing.TB, level slog.Level) *slog.Logger {
	t.Helper()
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	case "":
		if level < slog.LevelError {
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
