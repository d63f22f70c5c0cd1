package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs a JSON slog logger tagged with the service name as the
// default and returns it. Unknown levels fall back to info.
func InitLogger(level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})).With("service", "photoshare")
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps debug, info, warn (or warning) and error onto slog levels.
func ParseLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}
