// Package klog wires log/slog to an optional rotating file sink, the way
// gcsfuse's internal/logger wires its own JSON/text handler factory to a
// configurable writer: a `*slog.Logger` is built once at mount time and
// injected into the filesystem, never read back from a package global.
package klog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the sink and verbosity for a logger built by [New].
type Config struct {
	// Level is the minimum level that reaches the sink.
	Level slog.Level

	// FilePath, if non-empty, routes output through a rotating
	// lumberjack.Logger instead of stderr — for long-lived processes
	// (`kfsctl mount`) where an ever-growing log file is undesirable.
	FilePath string

	// MaxSizeMB, MaxBackups, and MaxAgeDays configure rotation; zero values
	// fall back to lumberjack's own defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a JSON-handler *slog.Logger per cfg. Daemons that run past a
// single CLI invocation should set FilePath so logs rotate instead of
// growing without bound.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr

	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})

	return slog.New(handler)
}

// ParseLevel maps a boot-config level name to a [slog.Level], defaulting
// to Info for an empty or unrecognized string rather than failing boot
// over a log-verbosity typo.
func ParseLevel(name string) slog.Level {
	switch name {
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

// WithMountID returns a child logger that stamps every record with the
// mount's session id, so concurrent test runs or remounts can be told apart
// in a shared log stream.
func WithMountID(log *slog.Logger, mountID string) *slog.Logger {
	return log.With("mount_id", mountID)
}
