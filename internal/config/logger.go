package config

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the slog logger selected by the logging section.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	return NewLeveledLogger(cfg, w, level)
}

// NewLeveledLogger is NewLogger with a caller-owned level, so the level can
// be changed while the daemon runs.
func NewLeveledLogger(cfg LoggingConfig, w io.Writer, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a logging.level value to a slog level; unknown values are info.
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
