// Package kiwilog is the runtime's structured logger: a thin wrapper around
// log/slog that adds rotating file output via lumberjack, matching the
// per-component logging knobs in pkg/config (level, format, output path,
// rotation size/backups).
package kiwilog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls how a Logger writes.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// New builds a *slog.Logger per cfg. A "file" output creates its parent
// directory and rotates through lumberjack; any directory creation failure
// falls back to stdout rather than failing the caller.
func New(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/kiwi.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			writer = os.Stdout
		} else {
			writer = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
		}
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler)
}

// Component returns a logger scoped to a named runtime component by
// attaching a "component" attribute to base.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}
