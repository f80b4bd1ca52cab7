// Package logging builds the process-wide slog.Logger, choosing between a
// human-readable tint handler for local development and a structured JSON
// handler for production.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config controls the logger's format, level, and source annotation.
type Config struct {
	Format    string     `default:"json" split_words:"true"`
	Level     slog.Level `default:"info" split_words:"true"`
	AddSource bool       `default:"true" split_words:"true"`
}

// New builds a logger per cfg. Format "json" selects structured output;
// anything else (including the empty string) falls back to tint's
// colorized, human-oriented output.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{ //nolint:exhaustruct // optional fields
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{ //nolint:exhaustruct // optional fields
			Level:      cfg.Level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.Kitchen,
		})
	}

	return slog.New(handler)
}
