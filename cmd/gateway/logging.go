package main

import (
	"log/slog"
	"os"
)

// newLogger builds a slog.Logger writing structured text to stderr, the
// level controlled by the config's log.level (one of debug, info, warn,
// error), matching client.go's use of the default slog.Logger elsewhere
// in this module.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
