package engine

import (
	"context"
	"log/slog"

	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// The command surface of a running execution. Reads and writes go to the
// live user state of the innermost active (sub)execution; no ordering is
// promised relative to the steps being dispatched. Executions that are not
// running in this process are served from their checkpoint.

// GetUserState returns a snapshot of the execution's user state.
func (e *Executor) GetUserState(ctx context.Context, executionID string) (map[string]any, error) {
	if f, err := e.liveFrame(ctx, executionID); err != nil {
		return nil, err
	} else if f != nil {
		return f.state.Snapshot(), nil
	}
	cp, err := e.store.GetCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if cp.UserState == nil {
		return map[string]any{}, nil
	}
	return cp.UserState, nil
}

// GetUserStateKey returns one key of the execution's user state.
func (e *Executor) GetUserStateKey(ctx context.Context, executionID, key string) (any, bool, error) {
	if f, err := e.liveFrame(ctx, executionID); err != nil {
		return nil, false, err
	} else if f != nil {
		v, ok := f.state.Get(key)
		return v, ok, nil
	}
	all, err := e.GetUserState(ctx, executionID)
	if err != nil {
		return nil, false, err
	}
	v, ok := all[key]
	return v, ok, nil
}

// SetUserState writes one key.
func (e *Executor) SetUserState(ctx context.Context, executionID, key string, value any) error {
	return e.UpdateUserState(ctx, executionID, map[string]any{key: value})
}

// UpdateUserState merges values into the execution's user state.
func (e *Executor) UpdateUserState(ctx context.Context, executionID string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	normalized, err := expressions.Normalize(values)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "user state: %s", err.Error()).WithCause(err)
	}
	values, _ = normalized.(map[string]any)

	f, err := e.liveFrame(ctx, executionID)
	if err != nil {
		return err
	}
	if f != nil {
		f.state.Update(values)
		e.publishState(ctx, f, values)
		logging.LogWith(ctx, e.logger).Debug("user state updated",
			slog.String("execution_id", f.exec.ID), slog.Int("keys", len(values)))
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Done() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already %s", exec.ID, exec.Status)
	}
	// Not running here: apply to the checkpoint so a resumed attempt sees it.
	cp, err := e.store.GetCheckpoint(ctx, executionID)
	if err != nil {
		return err
	}
	if cp.UserState == nil {
		cp.UserState = map[string]any{}
	}
	for k, v := range values {
		cp.UserState[k] = v
	}
	return e.store.SaveCheckpoint(ctx, cp)
}

// ProvideInput delivers value to the WaitForInput step the execution's
// lineage is waiting at. It fails with CONFLICT when no wait is pending.
func (e *Executor) ProvideInput(ctx context.Context, executionID string, value any) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	lin := e.live(exec.LineageID)
	if lin == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not running in this process", executionID)
	}
	normalized, err := expressions.Normalize(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "input: %s", err.Error()).WithCause(err)
	}
	return lin.deliver(normalized)
}

// liveFrame returns the frame serving executionID if its lineage runs in
// this process: the innermost frame for a root id, the frame itself for a
// nested id. It returns nil when the execution is not live.
func (e *Executor) liveFrame(ctx context.Context, executionID string) (*frame, error) {
	if lin := e.live(executionID); lin != nil {
		if f := lin.top(); f != nil {
			return f, nil
		}
		return nil, nil
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.IsRoot() {
		return nil, nil
	}
	if lin := e.live(exec.LineageID); lin != nil {
		return lin.find(exec.ID), nil
	}
	return nil, nil
}

