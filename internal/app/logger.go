package app

import (
	"fmt"
	"io"
	"log/slog"

	"querydesk/internal/config"
)

// NewLogger builds the process logger. The returned LevelVar controls its
// level afterwards.
func NewLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, *slog.LevelVar, error) {
	lvl, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), level, nil
}
