package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celVariables are the scope keys visible to CEL. CEL identifiers cannot be
// a bare underscore, so the current input is only reachable as "input".
var celVariables = []string{"input", "inputs", "outputs", "state", "args", "results"}

// CELEngine evaluates Common Expression Language expressions over
// dynamically typed scope variables.
type CELEngine struct {
	compiled *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	return &CELEngine{compiled: newPrograms(func(text string) (cel.Program, error) {
		ast, issues := env.Compile(text)
		if issues != nil && issues.Err() != nil {
			return nil, expressionError("cel", "compile", text, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, expressionError("cel", "plan", text, err)
		}
		return prg, nil
	})}, nil
}

func (*CELEngine) Name() string { return "cel" }

// Evaluate runs a CEL expression. Scope variables missing from data are null.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("cel")
	}
	prg, err := e.compiled.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = data[name]
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, expressionError("cel", "run", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
