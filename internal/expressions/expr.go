package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. It is the default engine:
// the whole scope is the environment, so "_", "input" and "state" are all
// plain identifiers.
type ExprEngine struct {
	compiled *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{compiled: newPrograms(func(text string) (*vm.Program, error) {
		// An untyped environment lets one program serve scopes of any shape.
		prg, err := expr.Compile(text, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, expressionError("expr", "compile", text, err)
		}
		return prg, nil
	})}
}

func (*ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.compiled.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError("expr", "run", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
