package logger

import (
	"log/slog"
	"os"
)

// Logger provides structured logging using slog
var Logger *slog.Logger

func init() {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	// JSON output so log pipelines can index delivery/endpoint ids
	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
}

// NewLogger creates a new logger scoped to the given component
func NewLogger(name string) *slog.Logger {
	return Logger.With("component", name)
}

// SetLevel sets the logging level
func SetLevel(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
}
