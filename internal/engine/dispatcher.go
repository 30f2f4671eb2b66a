package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dhanush-chevuri/julep/internal/activities"
	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// unitOfWork lists the step kinds whose outcome comes from an activity.
var unitOfWork = map[schema.StepKind]bool{
	schema.KindPrompt:       true,
	schema.KindWaitForInput: true,
	schema.KindSwitch:       true,
	schema.KindLog:          true,
	schema.KindEvaluate:     true,
	schema.KindReturn:       true,
	schema.KindYield:        true,
	schema.KindIfElse:       true,
	schema.KindForeach:      true,
	schema.KindMapReduce:    true,
	schema.KindSet:          true,
}

// optionalWork lists kinds that run as a unit of work only when an activity
// is registered for them; otherwise they are unsupported.
var optionalWork = map[schema.StepKind]bool{
	schema.KindToolCall: true,
}

// dispatch runs the step at the cursor and returns the transition to record.
// Phase 1 runs the step's activity under the activity timeout; phase 2
// interprets the outcome by step kind. Fatal conditions are recorded as an
// error transition before they are returned.
func (e *Executor) dispatch(ctx context.Context, lin *lineage, f *frame, sc *schema.StepContext) (*schema.PartialTransition, error) {
	step, err := sc.CurrentStep()
	if err != nil {
		return nil, e.fail(ctx, f, sc, "", err)
	}
	kind := step.Kind()
	log := logging.LogWith(ctx, e.logger).With(slog.String("step_type", string(kind)))

	var outcome *schema.StepOutcome
	if unitOfWork[kind] || (optionalWork[kind] && e.activities.Has(kind)) {
		log.Debug("running activity")
		outcome, err = e.runActivity(ctx, kind, sc)
		if err != nil {
			log.Error("activity failed", slog.String("error", err.Error()))
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		if outcome.Error != "" {
			log.Error("step returned an error", slog.String("error", outcome.Error))
			return nil, e.fail(ctx, f, sc, kind, schema.NewError(schema.ErrCodeStepFailed, outcome.Error).WithStep(kind))
		}
	}

	switch s := step.(type) {
	case *schema.LogStep:
		log.Info("log step", slog.Any("log", outcome.Output))
		return &schema.PartialTransition{
			Output:   sc.CurrentInput(),
			Metadata: map[string]any{"step_type": string(kind), "log": outcome.Output},
		}, nil

	case *schema.ReturnStep:
		return &schema.PartialTransition{Type: FinishType(sc), Output: outcome.Output}, nil

	case *schema.SwitchStep:
		idx, err := caseIndex(outcome.Output)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		if idx < 0 {
			return nil, e.fail(ctx, f, sc, kind,
				schema.NewError(schema.ErrCodeValidation, "negative index not allowed").WithStep(kind))
		}
		if idx >= len(s.Switch) {
			return nil, e.fail(ctx, f, sc, kind,
				schema.NewErrorf(schema.ErrCodeValidation, "case index %d out of range (%d cases)", idx, len(s.Switch)).WithStep(kind))
		}
		log.Info("switch chose case", slog.Int("case", idx))
		out, err := e.spawnBranch(ctx, lin, f, sc, "switch", s.Switch[idx].Then, sc.Inputs)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		return &schema.PartialTransition{Output: out}, nil

	case *schema.IfElseStep:
		cond := expressions.Truthy(outcome.Output)
		branch, chosen := "if_else.then", s.Then
		if !cond {
			branch, chosen = "if_else.else", s.Else
		}
		log.Info("if_else evaluated", slog.Bool("condition", cond))
		if chosen == nil {
			return &schema.PartialTransition{Output: sc.CurrentInput()}, nil
		}
		out, err := e.spawnBranch(ctx, lin, f, sc, branch, chosen, sc.Inputs)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		return &schema.PartialTransition{Output: out}, nil

	case *schema.ForeachStep:
		items, err := asList(outcome.Output)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		log.Info("foreach iterating", slog.Int("items", len(items)))
		var last any
		for i, item := range items {
			inputs := appendInput(sc.Inputs, map[string]any{"item": item})
			last, err = e.spawnBranch(ctx, lin, f, sc, fmt.Sprintf("foreach[%d]", i), s.Foreach.Do, inputs)
			if err != nil {
				return nil, e.fail(ctx, f, sc, kind, err)
			}
		}
		return &schema.PartialTransition{Output: last}, nil

	case *schema.MapReduceStep:
		items, err := asList(outcome.Output)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		acc, err := initialAccumulator(s.Initial)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		log.Info("map_reduce iterating", slog.Int("items", len(items)))
		for i, item := range items {
			mapped, err := e.spawnBranch(ctx, lin, f, sc, fmt.Sprintf("mapreduce[%d]", i), s.Map, appendInput(sc.Inputs, item))
			if err != nil {
				return nil, e.fail(ctx, f, sc, kind, err)
			}
			if acc, err = e.reduce(ctx, s.Reduce, acc, mapped); err != nil {
				return nil, e.fail(ctx, f, sc, kind, err)
			}
		}
		return &schema.PartialTransition{Output: acc}, nil

	case *schema.SleepStep:
		if s.Sleep.TotalSeconds() <= 0 {
			return nil, e.fail(ctx, f, sc, kind,
				schema.NewError(schema.ErrCodeValidation, "sleep duration must be greater than 0").WithStep(kind))
		}
		log.Info("sleeping", slog.Duration("duration", s.Sleep.Duration()))
		if err := e.sleep(ctx, f, s.Sleep.Duration()); err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		return &schema.PartialTransition{Output: sc.CurrentInput()}, nil

	case *schema.EvaluateStep, *schema.PromptStep:
		return &schema.PartialTransition{Output: outcome.Output}, nil

	case *schema.ErrorStep:
		log.Error("error step", slog.String("error", s.Error))
		return nil, e.failWith(ctx, f, sc, schema.NewError(schema.ErrCodeErrorStep, s.Error).WithStep(kind), s.Error)

	case *schema.YieldStep:
		dir := outcome.TransitionTo
		if dir == nil {
			return nil, e.fail(ctx, f, sc, kind,
				schema.NewError(schema.ErrCodeStepFailed, "yield outcome has no transition target").WithStep(kind))
		}
		next := dir.Next
		if _, err := e.recorder.Record(ctx, f.exec, sc, schema.PartialTransition{
			Type:   dir.Type,
			Output: outcome.Output,
			Next:   &next,
		}); err != nil {
			return nil, err
		}
		log.Info("yielding", slog.String("workflow", next.Workflow))
		name := BranchWorkflowName(sc.Cursor, "yield")
		out, err := e.spawn(ctx, lin, f, name, sc.ExecutionInput, next, []any{outcome.Output})
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		return &schema.PartialTransition{Output: out}, nil

	case *schema.WaitForInputStep:
		value, err := e.awaitInput(ctx, lin, f, sc, outcome.Output)
		if err != nil {
			return nil, e.fail(ctx, f, sc, kind, err)
		}
		return &schema.PartialTransition{Type: schema.TransitionResume, Output: value}, nil

	case *schema.SetStep:
		values, ok := outcome.Output.(map[string]any)
		if !ok && outcome.Output != nil {
			return nil, e.fail(ctx, f, sc, kind,
				schema.NewErrorf(schema.ErrCodeStepFailed, "set outcome must be a mapping, got %T", outcome.Output).WithStep(kind))
		}
		f.state.Update(values)
		e.publishState(ctx, f, values)
		return &schema.PartialTransition{Output: sc.CurrentInput()}, nil

	case *schema.GetStep:
		value, _ := f.state.Get(s.Get)
		return &schema.PartialTransition{Output: value}, nil

	case *schema.ToolCallStep:
		if outcome == nil {
			log.Error("no tool provider configured")
			return nil, e.fail(ctx, f, sc, kind, schema.NewError(schema.ErrCodeUnsupportedStep, "not implemented").WithStep(kind))
		}
		return &schema.PartialTransition{Output: outcome.Output}, nil

	case *schema.EmbedStep, *schema.SearchStep, *schema.ParallelStep:
		log.Error("step kind not implemented")
		return nil, e.fail(ctx, f, sc, kind, schema.NewError(schema.ErrCodeUnsupportedStep, "not implemented").WithStep(kind))

	default:
		log.Error("unhandled step kind")
		return nil, e.fail(ctx, f, sc, kind, schema.NewError(schema.ErrCodeUnsupportedStep, "not implemented").WithStep(kind))
	}
}

// runActivity executes the activity for kind under the activity timeout.
// The activity runs on its own goroutine so a call that ignores its context
// still times out.
func (e *Executor) runActivity(ctx context.Context, kind schema.StepKind, sc *schema.StepContext) (*schema.StepOutcome, error) {
	a, ok := e.activities.Get(kind)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "no activity registered for %s", kind).WithStep(kind)
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.ActivityTimeout)
	defer cancel()

	type result struct {
		out *schema.StepOutcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: schema.NewErrorf(schema.ErrCodeStepFailed, "activity panicked: %v", r).WithStep(kind)}
			}
		}()
		out, err := a.Execute(actx, sc)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, activityTimeout(kind, e.cfg.ActivityTimeout)
			}
			return nil, r.err
		}
		if r.out == nil {
			r.out = &schema.StepOutcome{}
		}
		return r.out, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, errCancelled()
		}
		return nil, activityTimeout(kind, e.cfg.ActivityTimeout)
	}
}

func activityTimeout(kind schema.StepKind, d time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "activity timed out after %s", d).WithStep(kind)
}

// reduce folds one mapped result into the accumulator under the reduce timeout.
func (e *Executor) reduce(ctx context.Context, expression string, acc, mapped any) (any, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.ReduceTimeout)
	defer cancel()
	out, err := activities.BaseEvaluate(rctx, e.ev, expression, expressions.ReduceScope(acc, mapped))
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "reduce timed out after %s", e.cfg.ReduceTimeout).
				WithStep(schema.KindMapReduce)
		}
		return nil, schema.AsTaskError(err, schema.KindMapReduce)
	}
	return out, nil
}

// sleep waits for d, or for the remainder of a deadline stored by an
// earlier attempt at the same step.
func (e *Executor) sleep(ctx context.Context, f *frame, d time.Duration) error {
	now := e.cfg.Clock.Now()
	if f.cp.TimerDeadline == nil {
		deadline := now.Add(d)
		f.cp.TimerDeadline = &deadline
		if err := e.store.SaveCheckpoint(ctx, f.cp); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "save sleep deadline: %s", err.Error()).WithCause(err)
		}
	}
	remaining := f.cp.TimerDeadline.Sub(now)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-e.cfg.Clock.After(remaining):
		return nil
	case <-ctx.Done():
		return errCancelled()
	}
}

// awaitInput records a wait transition, marks the lineage as awaiting input
// and blocks until a value is delivered, the wait timeout fires or the
// lineage is cancelled. A wait already recorded at this cursor by an
// earlier attempt is not recorded again.
func (e *Executor) awaitInput(ctx context.Context, lin *lineage, f *frame, sc *schema.StepContext, info any) (any, error) {
	last, err := store.NewTransitionLog(e.store, f.exec.LineageID).Last(ctx, f.exec.ID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read last transition: %s", err.Error()).WithCause(err)
	}
	if last == nil || last.Type != schema.TransitionWait || last.Current != sc.Cursor {
		if _, err := e.recorder.Record(ctx, f.exec, sc, schema.PartialTransition{
			Type:   schema.TransitionWait,
			Output: info,
		}); err != nil {
			return nil, err
		}
	}

	lin.expect()
	frames := lin.stack()
	for _, fr := range frames {
		if err := e.setStatus(ctx, fr.exec, schema.ExecutionAwaitingInput, store.ExecutionUpdate{}); err != nil {
			lin.settle()
			return nil, err
		}
	}
	logging.LogWith(ctx, e.logger).Info("waiting for input")

	var value any
	select {
	case value = <-lin.input:
	case <-e.cfg.Clock.After(e.cfg.WaitTimeout):
		err = schema.NewErrorf(schema.ErrCodeTimeout, "no input received within %s", e.cfg.WaitTimeout).
			WithStep(schema.KindWaitForInput)
	case <-ctx.Done():
		err = errCancelled()
	}
	if err != nil {
		// An input accepted while the timer fired still counts.
		if v, ok := lin.settle(); ok && ctx.Err() == nil {
			value, err = v, nil
		}
	}

	// Restore running so the final status change is valid.
	for _, fr := range frames {
		if serr := e.setStatus(context.WithoutCancel(ctx), fr.exec, schema.ExecutionRunning, store.ExecutionUpdate{}); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (e *Executor) publishState(ctx context.Context, f *frame, values map[string]any) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	_ = e.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: f.exec.ID,
		LineageID:   f.exec.LineageID,
		EventType:   schema.EventUserStateChanged,
		Payload:     map[string]any{"keys": keys},
	})
}

// caseIndex accepts the integer kinds a switch activity may produce,
// including whole floats from JSON-normalized outcomes.
func caseIndex(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, schema.NewErrorf(schema.ErrCodeStepFailed, "switch index %v is not an integer", n).WithStep(schema.KindSwitch)
		}
		return int(n), nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeStepFailed, "switch outcome must be an index, got %T", v).WithStep(schema.KindSwitch)
}

func asList(v any) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case nil:
		return []any{}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "outcome must be a list, got %T", v)
}

func initialAccumulator(initial any) (any, error) {
	if initial == nil {
		return []any{}, nil
	}
	return expressions.Normalize(initial)
}

func appendInput(inputs []any, v any) []any {
	out := make([]any, len(inputs), len(inputs)+1)
	copy(out, inputs)
	return append(out, v)
}
