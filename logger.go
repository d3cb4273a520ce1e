package dewey

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with dewey-specific helpers so components log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler uses
// a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger writing human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger writing JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// LogBatchCommit logs one committed reindex batch.
func (l *Logger) LogBatchCommit(batch, chunks, total int) {
	l.Info("batch committed",
		"batch", batch,
		"chunks", chunks,
		"total_chunks", total,
	)
}

// LogQuery logs a completed query.
func (l *Logger) LogQuery(k, results int, err error) {
	if err != nil {
		l.Error("query failed", "k", k, "error", err)
		return
	}
	l.Debug("query completed", "k", k, "results", results)
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(home string, err error) {
	if err != nil {
		l.Error("snapshot failed", "home", home, "error", err)
		return
	}
	l.Info("snapshot saved", "home", home)
}
