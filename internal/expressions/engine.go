package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Engine evaluates expressions against a data scope.
// Three implementations: Expr (default), CEL ("cel:" prefix), GoJQ ("jq:" prefix).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Evaluator routes an expression to an engine by prefix and normalizes the
// result to plain JSON values (nil, bool, float64, string, []any, map[string]any).
type Evaluator struct {
	engines  map[string]Engine
	fallback Engine
}

// NewEvaluator creates an Evaluator with the expr, cel and jq engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := NewExprEngine()
	return &Evaluator{
		engines: map[string]Engine{
			exprEngine.Name(): exprEngine,
			celEngine.Name():  celEngine,
			"jq":              NewGoJQEngine(),
		},
		fallback: exprEngine,
	}, nil
}

// MustEvaluator is NewEvaluator for package-level setup; it panics on error.
func MustEvaluator() *Evaluator {
	ev, err := NewEvaluator()
	if err != nil {
		panic(err)
	}
	return ev
}

// Evaluate evaluates one expression.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	engine, body := e.route(expression)
	out, err := engine.Evaluate(ctx, body, data)
	if err != nil {
		return nil, err
	}
	return Normalize(out)
}

// EvaluateMap evaluates every value of exprs and returns the results under
// the same keys.
func (e *Evaluator) EvaluateMap(ctx context.Context, exprs map[string]string, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(exprs))
	for key, expression := range exprs {
		v, err := e.Evaluate(ctx, expression, data)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (e *Evaluator) route(expression string) (Engine, string) {
	trimmed := strings.TrimSpace(expression)
	if name, body, ok := strings.Cut(trimmed, ":"); ok {
		if engine, found := e.engines[name]; found {
			return engine, strings.TrimSpace(body)
		}
	}
	return e.fallback, trimmed
}

// Normalize converts v to plain JSON values by a JSON round-trip, so that
// results look the same whether they come from memory or from storage.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "result is not JSON-serializable: %s", err.Error()).
			WithCause(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "normalize result: %s", err.Error()).
			WithCause(err)
	}
	return out, nil
}

// Truthy reports whether v counts as true in a condition.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
