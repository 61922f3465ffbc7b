package observability

import (
	"context"
	"log/slog"
	"strconv"
)

// LogContext holds the build attempt identity carried through a context.
type LogContext struct {
	Package   string
	Version   string
	AttemptID int64
	WorkerID  string
	Slot      int
	HasSlot   bool
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithAttempt records the release and attempt being processed.
func WithAttempt(ctx context.Context, pkg, version string, attemptID int64) context.Context {
	lc := extractLogContext(ctx)
	lc.Package = pkg
	lc.Version = version
	lc.AttemptID = attemptID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithWorkerID adds the owning worker identity to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	lc := extractLogContext(ctx)
	lc.WorkerID = workerID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithSlot adds the sandbox slot index to the context.
func WithSlot(ctx context.Context, slot int) context.Context {
	lc := extractLogContext(ctx)
	lc.Slot = slot
	lc.HasSlot = true
	return context.WithValue(ctx, logContextKey, lc)
}

func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

// GetContext returns the structured log context from the provided context.
func GetContext(ctx context.Context) LogContext {
	return extractLogContext(ctx)
}

func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := make([]slog.Attr, 0, 5)
	if lc.Package != "" {
		attrs = append(attrs, slog.String("package", lc.Package))
	}
	if lc.Version != "" {
		attrs = append(attrs, slog.String("version", lc.Version))
	}
	if lc.AttemptID != 0 {
		attrs = append(attrs, slog.String("attempt_id", strconv.FormatInt(lc.AttemptID, 10)))
	}
	if lc.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", lc.WorkerID))
	}
	if lc.HasSlot {
		attrs = append(attrs, slog.Int("slot", lc.Slot))
	}
	return attrs
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelInfo, msg, append(getLogAttrs(ctx), attrs...)...)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg, append(getLogAttrs(ctx), attrs...)...)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelError, msg, append(getLogAttrs(ctx), attrs...)...)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelDebug, msg, append(getLogAttrs(ctx), attrs...)...)
}
