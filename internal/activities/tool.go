package activities

import (
	"context"

	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// ToolInvoker calls a named tool with evaluated arguments.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (any, error)
}

// RegisterTools enables tool_call steps, routing them to tools. Without it
// the interpreter rejects tool_call as unsupported.
func RegisterTools(r *Registry, ev *expressions.Evaluator, tools ToolInvoker) {
	r.Replace(&toolCallActivity{ev: ev, tools: tools})
}

type toolCallActivity struct {
	ev    *expressions.Evaluator
	tools ToolInvoker
}

func (*toolCallActivity) Kind() schema.StepKind { return schema.KindToolCall }

func (a *toolCallActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.ToolCallStep](sc)
	if err != nil {
		return nil, err
	}
	args, err := a.ev.EvaluateMap(ctx, step.Arguments, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindToolCall, err)
	}
	out, err := a.tools.CallTool(ctx, step.Tool, args)
	if err != nil {
		return nil, failStep(schema.KindToolCall, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}
