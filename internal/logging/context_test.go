package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", LineageID(ctx))
	assert.Equal(t, "", TaskID(ctx))
	assert.Equal(t, "", Step(ctx))

	ctx = WithExecution(ctx, "root/main[1].switch", "root", "task-9")
	ctx = WithStep(ctx, "main[1].switch.0")

	assert.Equal(t, "root/main[1].switch", ExecutionID(ctx))
	assert.Equal(t, "root", LineageID(ctx))
	assert.Equal(t, "task-9", TaskID(ctx))
	assert.Equal(t, "main[1].switch.0", Step(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecution(context.Background(), "exec-1", "exec-1", "")
	ctx = WithStep(ctx, "main.2")
	LogWith(ctx, logger).Info("dispatch")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-1")
	assert.Contains(t, output, "lineage_id=exec-1")
	assert.Contains(t, output, "step=main.2")
	assert.NotContains(t, output, "task_id")
	assert.Contains(t, output, "dispatch")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "step=")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithExecution(context.Background(), "exec-auto", "lin-auto", "task-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"lineage_id":"lin-auto"`)
	assert.Contains(t, output, `"task_id":"task-auto"`)
	assert.NotContains(t, output, `"step"`)
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}).WithGroup("run"))

	ctx := WithExecutionID(context.Background(), "exec-attr")
	logger.InfoContext(ctx, "with attrs", slog.Int("n", 1))

	output := buf.String()
	assert.Contains(t, output, `"component":"engine"`)
	assert.Contains(t, output, `"run":{`)
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
}

// --- Handler construction ---

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "": slog.LevelInfo, "INFO": slog.LevelInfo,
		"warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, slog.LevelInfo, FormatJSON)
	require.NoError(t, err)
	slog.New(h).InfoContext(WithLineageID(context.Background(), "lin-1"), "json line")
	assert.Contains(t, buf.String(), `"lineage_id":"lin-1"`)

	buf.Reset()
	h, err = NewHandler(&buf, slog.LevelInfo, FormatText)
	require.NoError(t, err)
	logger := slog.New(h)
	logger.Debug("hidden")
	logger.Info("text line")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "text line")
	assert.NotContains(t, buf.String(), "\x1b[", "no colour for non-terminal writers")

	_, err = NewHandler(&buf, slog.LevelInfo, "xml")
	assert.Error(t, err)
}
