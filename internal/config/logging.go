package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

// NewLogger builds the process logger. JSON is the default format.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", s)
	}
	return level, nil
}
