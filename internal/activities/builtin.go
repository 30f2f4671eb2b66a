package activities

import (
	"context"
	"fmt"

	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// DefaultReduce appends the mapped result to the accumulator.
const DefaultReduce = "jq: .results + [._]"

// NewDefaultRegistry registers the built-in activities. A nil prompt client
// makes every prompt step fail.
func NewDefaultRegistry(ev *expressions.Evaluator, prompt PromptClient) *Registry {
	if prompt == nil {
		prompt = unconfiguredPrompt{}
	}
	r := NewRegistry()
	for _, a := range []Activity{
		&evaluateActivity{ev: ev},
		&returnActivity{ev: ev},
		&setActivity{ev: ev},
		&logActivity{ev: ev},
		&waitForInputActivity{ev: ev},
		&ifElseActivity{ev: ev},
		&switchActivity{ev: ev},
		&foreachActivity{ev: ev},
		&mapReduceActivity{ev: ev},
		&yieldActivity{ev: ev},
		&promptActivity{ev: ev, client: prompt},
	} {
		r.Replace(a)
	}
	return r
}

// BaseEvaluate evaluates a single expression against explicit values. It
// backs the reduce phase of map-reduce.
func BaseEvaluate(ctx context.Context, ev *expressions.Evaluator, expression string, values map[string]any) (any, error) {
	if expression == "" {
		expression = DefaultReduce
	}
	return ev.Evaluate(ctx, expression, values)
}

func failStep(kind schema.StepKind, err error) error {
	return schema.AsTaskError(err, kind)
}

// --- Mapping evaluators ---

type evaluateActivity struct{ ev *expressions.Evaluator }

func (*evaluateActivity) Kind() schema.StepKind { return schema.KindEvaluate }

func (a *evaluateActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.EvaluateStep](sc)
	if err != nil {
		return nil, err
	}
	out, err := a.ev.EvaluateMap(ctx, step.Evaluate, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindEvaluate, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

type returnActivity struct{ ev *expressions.Evaluator }

func (*returnActivity) Kind() schema.StepKind { return schema.KindReturn }

func (a *returnActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.ReturnStep](sc)
	if err != nil {
		return nil, err
	}
	out, err := a.ev.EvaluateMap(ctx, step.Return, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindReturn, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

type setActivity struct{ ev *expressions.Evaluator }

func (*setActivity) Kind() schema.StepKind { return schema.KindSet }

func (a *setActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.SetStep](sc)
	if err != nil {
		return nil, err
	}
	out, err := a.ev.EvaluateMap(ctx, step.Set, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindSet, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

type waitForInputActivity struct{ ev *expressions.Evaluator }

func (*waitForInputActivity) Kind() schema.StepKind { return schema.KindWaitForInput }

func (a *waitForInputActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.WaitForInputStep](sc)
	if err != nil {
		return nil, err
	}
	out, err := a.ev.EvaluateMap(ctx, step.WaitForInput.Info, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindWaitForInput, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

// --- Templates ---

type logActivity struct{ ev *expressions.Evaluator }

func (*logActivity) Kind() schema.StepKind { return schema.KindLog }

func (a *logActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.LogStep](sc)
	if err != nil {
		return nil, err
	}
	out, err := a.ev.Render(ctx, step.Log, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindLog, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

type promptActivity struct {
	ev     *expressions.Evaluator
	client PromptClient
}

func (*promptActivity) Kind() schema.StepKind { return schema.KindPrompt }

func (a *promptActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.PromptStep](sc)
	if err != nil {
		return nil, err
	}
	scope := expressions.Scope(sc)
	rendered, err := a.ev.RenderValue(ctx, step.Prompt, scope)
	if err != nil {
		return nil, failStep(schema.KindPrompt, err)
	}
	resp, err := a.client.Complete(ctx, PromptRequest{
		Prompt:   rendered,
		Settings: step.Settings,
		Input:    sc.CurrentInput(),
	})
	if err != nil {
		return nil, failStep(schema.KindPrompt, err)
	}
	out, err := expressions.Normalize(resp)
	if err != nil {
		return nil, failStep(schema.KindPrompt, err)
	}
	return &schema.StepOutcome{Output: out}, nil
}

// --- Conditions ---

type ifElseActivity struct{ ev *expressions.Evaluator }

func (*ifElseActivity) Kind() schema.StepKind { return schema.KindIfElse }

func (a *ifElseActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.IfElseStep](sc)
	if err != nil {
		return nil, err
	}
	v, err := a.ev.Evaluate(ctx, step.If, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindIfElse, err)
	}
	return &schema.StepOutcome{Output: expressions.Truthy(v)}, nil
}

// WildcardCase matches unconditionally in a switch.
const WildcardCase = "_"

type switchActivity struct{ ev *expressions.Evaluator }

func (*switchActivity) Kind() schema.StepKind { return schema.KindSwitch }

func (a *switchActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.SwitchStep](sc)
	if err != nil {
		return nil, err
	}
	scope := expressions.Scope(sc)
	for i, c := range step.Switch {
		if c.Case == WildcardCase {
			return &schema.StepOutcome{Output: i}, nil
		}
		v, err := a.ev.Evaluate(ctx, c.Case, scope)
		if err != nil {
			return nil, failStep(schema.KindSwitch, fmt.Errorf("case %d: %w", i, err))
		}
		if expressions.Truthy(v) {
			return &schema.StepOutcome{Output: i}, nil
		}
	}
	return &schema.StepOutcome{Output: -1}, nil
}

// --- Iterables ---

type foreachActivity struct{ ev *expressions.Evaluator }

func (*foreachActivity) Kind() schema.StepKind { return schema.KindForeach }

func (a *foreachActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.ForeachStep](sc)
	if err != nil {
		return nil, err
	}
	items, err := evaluateList(ctx, a.ev, step.Foreach.In, sc)
	if err != nil {
		return nil, failStep(schema.KindForeach, err)
	}
	return &schema.StepOutcome{Output: items}, nil
}

type mapReduceActivity struct{ ev *expressions.Evaluator }

func (*mapReduceActivity) Kind() schema.StepKind { return schema.KindMapReduce }

func (a *mapReduceActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.MapReduceStep](sc)
	if err != nil {
		return nil, err
	}
	items, err := evaluateList(ctx, a.ev, step.Over, sc)
	if err != nil {
		return nil, failStep(schema.KindMapReduce, err)
	}
	return &schema.StepOutcome{Output: items}, nil
}

func evaluateList(ctx context.Context, ev *expressions.Evaluator, expression string, sc *schema.StepContext) ([]any, error) {
	v, err := ev.Evaluate(ctx, expression, expressions.Scope(sc))
	if err != nil {
		return nil, err
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case nil:
		return []any{}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"expression %q must produce a list, got %T", expression, v)
	}
}

// --- Yield ---

type yieldActivity struct{ ev *expressions.Evaluator }

func (*yieldActivity) Kind() schema.StepKind { return schema.KindYield }

func (a *yieldActivity) Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error) {
	step, err := currentStep[*schema.YieldStep](sc)
	if err != nil {
		return nil, err
	}
	if _, ok := sc.ExecutionInput.Task.Workflow(step.Workflow); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "workflow %q not found in task", step.Workflow).
			WithStep(schema.KindYield)
	}
	out, err := a.ev.EvaluateMap(ctx, step.Arguments, expressions.Scope(sc))
	if err != nil {
		return nil, failStep(schema.KindYield, err)
	}
	return &schema.StepOutcome{
		Output: out,
		TransitionTo: &schema.TransitionDirective{
			Type: schema.TransitionStep,
			Next: schema.TransitionTarget{Workflow: step.Workflow, Step: 0},
		},
	}, nil
}
