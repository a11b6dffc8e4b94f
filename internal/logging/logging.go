// Package logging configures the process-wide slog default.
package logging

import (
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
)

// Setup installs the default slog handler from config.
// The verbose flag forces debug level regardless of config.
func Setup(cfg config.LogConfig, verbose bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
