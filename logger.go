package loom

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/loom/model"
)

// Logger wraps slog.Logger with loom-specific helpers.
// Sub-packages receive the embedded *slog.Logger.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(p model.Partition) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", p.String()),
	}
}

// LogOp logs the outcome of a public operation. Serialization and backend
// failures are logged at error level; everything else a caller can cause is
// logged at debug level.
func (l *Logger) LogOp(ctx context.Context, op string, err error, args ...any) {
	switch {
	case err == nil:
		l.DebugContext(ctx, op+" completed", args...)
	case model.IsSystemic(err):
		l.ErrorContext(ctx, op+" failed", append(args, "error", err)...)
	default:
		l.DebugContext(ctx, op+" rejected", append(args, "error", err)...)
	}
}

// LogBackup logs a backup of one partition.
func (l *Logger) LogBackup(ctx context.Context, blob string, records, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"blob", blob,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup written",
			"blob", blob,
			"records", records,
			"bytes", bytes,
		)
	}
}

// LogRotation logs a tier rotation.
func (l *Logger) LogRotation(ctx context.Context, moved int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "tier rotation failed",
			"moved", moved,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "tier rotation completed",
			"moved", moved,
		)
	}
}
