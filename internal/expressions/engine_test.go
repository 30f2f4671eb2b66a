package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/dhanush-chevuri/julep/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func scopeOf(input any) map[string]any {
	return map[string]any{
		"_":     input,
		"input": input,
		"state": map[string]any{"count": 3.0},
	}
}

// --- Routing ---

func TestEvaluator_DefaultIsExpr(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), "_.x + 1", scopeOf(map[string]any{"x": 41.0}))
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestEvaluator_ExplicitPrefixes(t *testing.T) {
	ev := newEvaluator(t)
	data := scopeOf(map[string]any{"name": "ada", "tags": []any{"a", "b"}})

	out, err := ev.Evaluate(context.Background(), `expr: _.name + "!"`, data)
	require.NoError(t, err)
	assert.Equal(t, "ada!", out)

	out, err = ev.Evaluate(context.Background(), `cel: input.name == "ada"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = ev.Evaluate(context.Background(), `jq: ._.tags | length`, data)
	require.NoError(t, err)
	assert.Equal(t, 2.0, out)
}

func TestEvaluator_UnknownPrefixFallsBackToExpr(t *testing.T) {
	ev := newEvaluator(t)

	// A ternary containing ':' must not be mistaken for an engine prefix.
	out, err := ev.Evaluate(context.Background(), `_.ok ? "yes" : "no"`, scopeOf(map[string]any{"ok": true}))
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
}

func TestEvaluator_NormalizesResults(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), `{"a": 1, "b": [1, 2]}`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{1.0, 2.0}}, out)
}

func TestEvaluator_StateVisible(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), "state.count * 2", scopeOf(nil))
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)
}

func TestEvaluator_Errors(t *testing.T) {
	ev := newEvaluator(t)

	_, err := ev.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = ev.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = ev.Evaluate(context.Background(), "jq: error(\"nope\")", map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestEvaluator_EvaluateMap(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.EvaluateMap(context.Background(), map[string]string{
		"double": "_ * 2",
		"label":  `"n=" + string(_)`,
	}, scopeOf(4.0))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"double": 8.0, "label": "n=4"}, out)

	_, err = ev.EvaluateMap(context.Background(), map[string]string{"bad": "(("}, nil)
	assert.Error(t, err)
}

func TestEvaluator_DefaultReduceAppends(t *testing.T) {
	ev := newEvaluator(t)

	out, err := ev.Evaluate(context.Background(), "jq: .results + [._]", ReduceScope([]any{1.0}, 2.0))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestEvaluator_ConcurrentCache(t *testing.T) {
	ev := newEvaluator(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ev.Evaluate(context.Background(), "_ + 1", scopeOf(float64(i)))
			assert.NoError(t, err)
			assert.Equal(t, float64(i+1), out)
		}(i)
	}
	wg.Wait()
}

// --- Helpers ---

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, 1.0, "x", []any{1}, map[string]any{"a": 1}, struct{}{}} {
		assert.True(t, Truthy(v), "%v", v)
	}
	for _, v := range []any{nil, false, 0.0, "", []any{}, map[string]any{}} {
		assert.False(t, Truthy(v), "%v", v)
	}
}

func TestNormalize(t *testing.T) {
	out, err := Normalize(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, out)

	_, err = Normalize(make(chan int))
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestScope(t *testing.T) {
	sc := schema.NewStepContext(schema.ExecutionInput{Arguments: map[string]any{"a": 1.0}},
		schema.TransitionTarget{Workflow: "main", Step: 1}, []any{map[string]any{"a": 1.0}, "prev"})

	s := Scope(sc)
	assert.Equal(t, "prev", s["_"])
	assert.Equal(t, "prev", s["input"])
	assert.Equal(t, []any{"prev"}, s["outputs"])
	assert.Equal(t, map[string]any{}, s["state"])
	assert.Equal(t, map[string]any{"a": 1.0}, s["args"])
}
