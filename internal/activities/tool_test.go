package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

type toolFunc func(ctx context.Context, name string, arguments map[string]any) (any, error)

func (f toolFunc) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	return f(ctx, name, arguments)
}

func TestToolCall(t *testing.T) {
	var gotName string
	var gotArgs map[string]any
	reg := newDefault(t, nil)
	assert.False(t, reg.Has(schema.KindToolCall))

	RegisterTools(reg, expressions.MustEvaluator(), toolFunc(func(_ context.Context, name string, args map[string]any) (any, error) {
		gotName, gotArgs = name, args
		return map[string]any{"sum": 3.0}, nil
	}))
	require.True(t, reg.Has(schema.KindToolCall))

	out, err := run(t, reg, contextFor(map[string]any{"a": 1.0}, &schema.ToolCallStep{
		Tool:      "calc.add",
		Arguments: map[string]string{"a": "_.a", "b": "2"},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 3.0}, out.Output)
	assert.Equal(t, "calc.add", gotName)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, gotArgs)
}

func TestToolCall_Errors(t *testing.T) {
	reg := newDefault(t, nil)
	RegisterTools(reg, expressions.MustEvaluator(), toolFunc(func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("provider down")
	}))

	_, err := run(t, reg, contextFor(nil, &schema.ToolCallStep{Tool: "x"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[STEP_FAILED] step tool_call: provider down")

	_, err = run(t, reg, contextFor(nil, &schema.ToolCallStep{Tool: "x", Arguments: map[string]string{"a": "(("}}))
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}
