package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Deployments set LOG_FORMAT=json for
// log ingestion; anything else gets the text handler. Every record carries
// the service attribute so the engine's lines are filterable alongside the
// rest of the platform.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "casafleet"))
}
