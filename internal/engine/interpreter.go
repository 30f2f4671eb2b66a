package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// interpret is the interpreter loop of one (sub)execution. Each iteration
// dispatches the step at the cursor, records the resulting transition and
// checkpoints the continuation, so a crashed attempt resumes at the last
// recorded step instead of replaying a call stack.
func (e *Executor) interpret(ctx context.Context, lin *lineage, f *frame) (any, error) {
	log := logging.LogWith(ctx, e.logger)
	sc := schema.NewStepContext(f.exec.Input, f.cp.Cursor, f.cp.Inputs)
	sc.UserState = f.state.Snapshot()

	if _, err := sc.CurrentStep(); err != nil {
		return nil, e.fail(ctx, f, sc, "", err)
	}

	if !f.cp.Started {
		typ := schema.TransitionInit
		if !sc.IsMain() {
			typ = schema.TransitionInitBranch
		}
		log.Info("execution started", slog.String("cursor", sc.Cursor.String()))
		if _, err := e.recorder.Record(ctx, f.exec, sc, schema.PartialTransition{
			Type:   typ,
			Output: sc.CurrentInput(),
		}); err != nil {
			return nil, err
		}
		f.cp.Started = true
		if err := e.checkpoint(ctx, f, sc); err != nil {
			return nil, err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil, e.cancelled(ctx, f, sc)
		}
		sc.UserState = f.state.Snapshot()
		stepCtx := logging.WithStep(ctx, sc.Cursor.String())

		p, err := e.dispatch(stepCtx, lin, f, sc)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeCancelled) {
				return nil, e.cancelled(ctx, f, sc)
			}
			return nil, err
		}

		t, err := e.recorder.Record(stepCtx, f.exec, sc, *p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.cancelled(ctx, f, sc)
			}
			return nil, err
		}
		if t.Type.Ends() {
			log.Info("execution reached end", slog.String("type", string(t.Type)), slog.String("cursor", sc.Cursor.String()))
			return t.Output, nil
		}

		next, err := sc.Advance(t)
		if err != nil {
			return nil, e.fail(stepCtx, f, sc, "", err)
		}
		f.cp.TimerDeadline = nil
		if err := e.checkpoint(ctx, f, next); err != nil {
			return nil, err
		}
		log.Debug("continuing", slog.String("next", next.Cursor.String()))
		sc = next
	}
}

// fail records an error transition whose output is the failure message and
// returns the failure as a TaskError. Cancellation is reported as
// CANCELLED without an error record.
func (e *Executor) fail(ctx context.Context, f *frame, sc *schema.StepContext, kind schema.StepKind, err error) error {
	te := schema.AsTaskError(err, kind)
	return e.failWith(ctx, f, sc, te, te.Error())
}

func (e *Executor) failWith(ctx context.Context, f *frame, sc *schema.StepContext, te *schema.TaskError, output any) error {
	if errors.Is(ctx.Err(), context.Canceled) || te.Code == schema.ErrCodeCancelled {
		return errCancelled()
	}
	meta := map[string]any{"code": te.Code}
	if te.StepType != "" {
		meta["step_type"] = string(te.StepType)
	}
	if _, err := e.recorder.Record(ctx, f.exec, sc, schema.PartialTransition{
		Type:     schema.TransitionError,
		Output:   output,
		Metadata: meta,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Error("record error transition", slog.String("error", err.Error()))
	}
	return te
}

// cancelled records a cancelled transition at the cursor.
func (e *Executor) cancelled(ctx context.Context, f *frame, sc *schema.StepContext) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.recorder.Record(ctx, f.exec, sc, schema.PartialTransition{
		Type:   schema.TransitionCancelled,
		Output: sc.CurrentInput(),
	}); err != nil {
		logging.LogWith(ctx, e.logger).Error("record cancelled transition", slog.String("error", err.Error()))
	}
	return errCancelled()
}
