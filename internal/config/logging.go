package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// SetupLogging creates the process logger from the logging section and
// installs it as the slog default.
func SetupLogging(config *Config) *slog.Logger {
	logger := NewLogger(os.Stderr, config.Logging)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns a logger writing to w. Format "auto" selects text output
// when w is a terminal and JSON otherwise.
func NewLogger(w io.Writer, lc LoggingConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if lc.Transcript {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	format := lc.Format
	if format == "auto" || format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
