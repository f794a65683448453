// Package logging builds the process-wide structured logger: JSON records
// to stdout and a rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings.
type Config struct {
	Level string // debug | info | warn | error
	Dir   string // log directory; empty disables the file writer
}

// New creates a slog.Logger per cfg. If the log directory cannot be created
// it falls back to stderr-only rather than failing startup.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Dir == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "quotecache.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	writer := io.MultiWriter(os.Stdout, fileLogger)
	return slog.New(slog.NewJSONHandler(writer, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
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
