package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// ParseLevel maps a level name to its slog level; unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// NewHandler builds the slog handler selected by cfg.Format, writing to w.
func NewHandler(cfg LoggingConfig, w io.Writer) slog.Handler {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	case "pretty":
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
		})
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// SetupLogging configures the global slog logger based on config and returns it.
func SetupLogging(cfg LoggingConfig) *slog.Logger {
	logger := slog.New(NewHandler(cfg, os.Stdout))
	slog.SetDefault(logger)
	return logger
}
