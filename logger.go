package searchcache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with cache-specific context.
// This provides structured logging with consistent field names.
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
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithCacheID tags log lines with the cache instance id.
func (l *Logger) WithCacheID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("cache", id),
	}
}

// WithEntryID tags log lines with an entry id.
func (l *Logger) WithEntryID(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("entry", id),
	}
}

// WithQuery tags log lines with a query description.
func (l *Logger) WithQuery(q string) *Logger {
	return &Logger{
		Logger: l.Logger.With("query", q),
	}
}

// LogTaskDone logs the end of a search task.
func (l *Logger) LogTaskDone(ctx context.Context, id uint64, query string, waited time.Duration, err error) {
	switch Classify(err) {
	case ClassUnknown:
		if err == nil {
			l.DebugContext(ctx, "search finished",
				"entry", id,
				"query", query,
				"waited", waited,
			)
			return
		}
		fallthrough
	case ClassFailed:
		l.ErrorContext(ctx, "search failed",
			"entry", id,
			"query", query,
			"waited", waited,
			"error", err,
		)
	default:
		l.DebugContext(ctx, "search ended early",
			"entry", id,
			"query", query,
			"waited", waited,
			"reason", Classify(err).String(),
		)
	}
}

// LogEviction logs the removal of an entry by the load manager.
func (l *Logger) LogEviction(ctx context.Context, id uint64, query string, reason EvictionReason, worthiness int64) {
	if reason == EvictionTimeout {
		l.WarnContext(ctx, "aborting search that ran too long",
			"entry", id,
			"query", query,
			"worthiness", worthiness,
		)
		return
	}
	l.DebugContext(ctx, "evicting entry",
		"entry", id,
		"query", query,
		"reason", string(reason),
		"worthiness", worthiness,
	)
}

// LogRejected logs an admission rejection.
func (l *Logger) LogRejected(ctx context.Context, free, minFree int64) {
	l.WarnContext(ctx, "not enough free memory, rejecting new search",
		"free_bytes", free,
		"min_free_bytes", minFree,
	)
}

// LogInvalidation logs the removal of all entries for an index.
func (l *Logger) LogInvalidation(ctx context.Context, index string, removed int) {
	l.InfoContext(ctx, "removed searches for index",
		"index", index,
		"removed", removed,
	)
}

// LogSweep logs the outcome of a load-management sweep.
func (l *Logger) LogSweep(ctx context.Context, stats SweepStats) {
	if stats.Evicted == 0 && stats.Aborted == 0 {
		return
	}
	l.DebugContext(ctx, "sweep completed",
		"examined", stats.Examined,
		"evicted", stats.Evicted,
		"aborted", stats.Aborted,
		"remaining", stats.Remaining,
		"size_bytes", stats.SizeBytes,
		"duration", stats.Duration,
	)
}
