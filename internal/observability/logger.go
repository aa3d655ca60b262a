package observability

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the process logger. format is "text" (default) or "json";
// verbose lowers the level to debug.
func NewLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return NewLeveledLogger(w, format, level)
}

// NewLeveledLogger is NewLogger with an explicit level. Pass a *slog.LevelVar
// to change the level after construction.
func NewLeveledLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
