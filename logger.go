package main

import (
	"io"
	"log/slog"

	"github.com/vilshansen/synapse-go/config"
)

// newLogger builds the command logger. With format auto it uses
// slog.TextHandler when stderr is a terminal and slog.JSONHandler when it
// is piped or redirected, so scripts get machine-parseable records.
func newLogger(w io.Writer, cfg *config.Config, interactive bool) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		level = slog.LevelWarn
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(w, options)
	case "text":
		handler = slog.NewTextHandler(w, options)
	default:
		if interactive {
			handler = slog.NewTextHandler(w, options)
		} else {
			handler = slog.NewJSONHandler(w, options)
		}
	}
	return slog.New(handler)
}
