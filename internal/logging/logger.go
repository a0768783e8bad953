package logging

import (
	"log/slog"
	"os"
	"strings"
)

const serviceName = "courier-dispatch"

// NewLogger builds the process-wide JSON logger. Every record carries
// the service name so the api and worker binaries can share one log
// stream and still be told apart by the source location.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	})
	return slog.New(h).With("service", serviceName)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}
