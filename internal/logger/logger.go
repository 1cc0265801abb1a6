// Package logger sets up the process-wide slog JSON logger and carries a
// per-cycle trace id and series through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	seriesKey  ctxKey = "series"
)

// Init creates a JSON logger for service writing to stdout and installs it
// as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps LOG_LEVEL values (debug, info, warn, error) to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSeries tags the context with the "SYMBOL:tf" pair a cycle works on.
func WithSeries(ctx context.Context, series string) context.Context {
	return context.WithValue(ctx, seriesKey, series)
}

// GenerateTraceID creates a trace ID of the form "{token}-{unixNano}".
func GenerateTraceID(token string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", token, ts.UnixNano())
}

// LogWithTrace returns the context's trace id and series as slog attributes.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	var attrs []any
	if tid := TraceID(ctx); tid != "" {
		attrs = append(attrs, slog.String("trace_id", tid))
	}
	if s, ok := ctx.Value(seriesKey).(string); ok && s != "" {
		attrs = append(attrs, slog.String("series", s))
	}
	return attrs
}

// From returns the default logger annotated with the context's attributes.
func From(ctx context.Context) *slog.Logger {
	return slog.Default().With(LogWithTrace(ctx)...)
}
