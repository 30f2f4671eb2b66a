// Package logging carries execution correlation ids on the context and builds
// the slog handlers used by the CLI.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	lineageIDKey
	taskIDKey
	stepKey
)

// correlation lists the context keys injected into log records, in output order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{lineageIDKey, "lineage_id"},
	{taskIDKey, "task_id"},
	{stepKey, "step"},
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithLineageID returns a context with the lineage (root execution) ID set.
func WithLineageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, lineageIDKey, id)
}

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithStep returns a context with the current cursor ("workflow.index") set.
func WithStep(ctx context.Context, cursor string) context.Context {
	return context.WithValue(ctx, stepKey, cursor)
}

// WithExecution sets the execution, lineage and task IDs at once.
func WithExecution(ctx context.Context, executionID, lineageID, taskID string) context.Context {
	ctx = WithExecutionID(ctx, executionID)
	ctx = WithLineageID(ctx, lineageID)
	return WithTaskID(ctx, taskID)
}

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// LineageID extracts the lineage ID from the context, or "" if absent.
func LineageID(ctx context.Context) string { return value(ctx, lineageIDKey) }

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string { return value(ctx, taskIDKey) }

// Step extracts the cursor from the context, or "" if absent.
func Step(ctx context.Context) string { return value(ctx, stepKey) }

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
