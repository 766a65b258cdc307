package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"
)

func parseLevel(level string) slog.Level {
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

// setupLogger returns a JSON logger, or a colored console logger for the
// text format.
func setupLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := parseLevel(level)
	addSource := logLevel == slog.LevelDebug

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = console.NewHandler(w, &console.HandlerOptions{
			Level:     logLevel,
			AddSource: addSource,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: addSource,
		})
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
