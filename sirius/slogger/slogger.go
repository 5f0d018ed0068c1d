// Package slogger provides a shared LOG_LEVEL-aware slog initialization helper.
//
// Call Init() at the start of any command to configure the global slog
// logger from the LOG_LEVEL and LOG_FORMAT environment variables, or Setup
// when the values come from configuration. Legacy log.Print* calls are
// routed through the same handler via slog.SetDefault.
//
// Valid levels: "debug", "info", "warn", "error" (default "info").
// Valid formats: "text", "json" (default "text").
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level holds the dynamic log level so it can be queried at runtime.
var level *slog.LevelVar

// Init configures the default logger from the environment.
func Init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
}

// Setup builds a handler writing to w, installs it as the default logger and
// returns it.
func Setup(levelName, format string, w io.Writer) *slog.Logger {
	level = &slog.LevelVar{}
	level.Set(parseLevel(levelName))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the installed handler at runtime.
func SetLevel(name string) {
	if level == nil {
		return
	}
	level.Set(parseLevel(name))
}

// Level returns the current slog.Level.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug returns true when the current log level is debug or lower.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
