package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq programs with the whole scope as input, so the
// current input is "._" and user state is ".state".
type GoJQEngine struct {
	compiled *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{compiled: newPrograms(func(text string) (*gojq.Code, error) {
		query, err := gojq.Parse(text)
		if err != nil {
			return nil, expressionError("jq", "parse", text, err)
		}
		// No environment: $ENV and env are empty inside programs.
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, expressionError("jq", "compile", text, err)
		}
		return code, nil
	})}
}

func (*GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program: no output is nil, one output is returned as
// is and several are collected into a list.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.compiled.get(expression)
	if err != nil {
		return nil, err
	}
	input, err := Normalize(data)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, expressionError("jq", "run", expression, err)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	}
	return outputs, nil
}

var _ Engine = (*GoJQEngine)(nil)
