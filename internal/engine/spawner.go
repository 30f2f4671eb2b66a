package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// BranchWorkflowName names the synthetic workflow of a branch spawned at
// cursor, e.g. "main[2].foreach[0]". Names are deterministic so a retried
// branch maps to the same nested execution.
func BranchWorkflowName(cursor schema.TransitionTarget, branch string) string {
	return fmt.Sprintf("%s[%d].%s", cursor.Workflow, cursor.Step, branch)
}

// ChildID is the id of the nested execution parentID spawns for name.
func ChildID(parentID, name string) string {
	return parentID + "/" + name
}

// BranchInput derives the input of a single-step branch: a copy of the
// current task whose only workflow holds step.
func BranchInput(in schema.ExecutionInput, name string, step schema.Step) schema.ExecutionInput {
	return in.WithTask(in.Task.Branch(name, step))
}

// spawnBranch runs step as a nested execution of a synthetic one-step
// workflow and returns its result.
func (e *Executor) spawnBranch(ctx context.Context, lin *lineage, f *frame, sc *schema.StepContext, branch string, step schema.Step, inputs []any) (any, error) {
	name := BranchWorkflowName(sc.Cursor, branch)
	in := BranchInput(sc.ExecutionInput, name, step)
	return e.spawn(ctx, lin, f, name, in, schema.TransitionTarget{Workflow: name}, inputs)
}

// spawn runs a nested execution starting at start with the given previous
// inputs and the parent's current user state, and waits for its result.
// A nested execution left by an earlier attempt is reused: a finished one
// returns its stored result, an unfinished one resumes from its checkpoint.
func (e *Executor) spawn(ctx context.Context, lin *lineage, parent *frame, name string, in schema.ExecutionInput, start schema.TransitionTarget, inputs []any) (any, error) {
	id := ChildID(parent.exec.ID, name)
	log := logging.LogWith(ctx, e.logger).With(slog.String("child_id", id))

	exec, err := e.store.GetExecution(ctx, id)
	switch {
	case err == nil:
		if exec.Status.Done() {
			log.Debug("reusing finished nested execution", slog.String("status", string(exec.Status)))
			res := storedResult(exec)
			if res.Error != nil {
				return nil, res.Error
			}
			return res.Output, nil
		}
		cp, err := e.store.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "load checkpoint of %s: %s", id, err.Error()).WithCause(err)
		}
		log.Info("resuming nested execution", slog.String("cursor", cp.Cursor.String()))
		return e.execute(ctx, lin, parent, exec, cp)

	case schema.IsCode(err, schema.ErrCodeNotFound):
	default:
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load nested execution %s: %s", id, err.Error()).WithCause(err)
	}

	exec = &store.Execution{
		ID:        id,
		ParentID:  parent.exec.ID,
		LineageID: parent.exec.LineageID,
		TaskID:    parent.exec.TaskID,
		Input:     in,
		Start:     start,
		Status:    schema.ExecutionQueued,
		CreatedAt: e.cfg.Clock.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create nested execution: %s", err.Error()).WithCause(err)
	}
	cp := &store.Checkpoint{
		ExecutionID: id,
		Cursor:      start,
		Inputs:      normalizeInputs(inputs),
		UserState:   parent.state.Snapshot(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithCause(err)
	}

	log.Info("spawning nested execution", slog.String("workflow", start.Workflow))
	return e.execute(ctx, lin, parent, exec, cp)
}

// normalizeInputs gives in-memory inputs the shape they have after a
// round trip through the store.
func normalizeInputs(inputs []any) []any {
	b, err := json.Marshal(inputs)
	if err != nil {
		return append([]any(nil), inputs...)
	}
	var out []any
	if err := json.Unmarshal(b, &out); err != nil {
		return append([]any(nil), inputs...)
	}
	return out
}
