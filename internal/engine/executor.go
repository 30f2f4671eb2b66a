// Package engine interprets tasks: it dispatches steps, records transitions,
// spawns nested executions for branches and loops, and provides the local
// durable substrate (checkpoints, resumption, input delivery, cancellation)
// those operations rely on.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhanush-chevuri/julep/internal/activities"
	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/internal/state"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// InputValidator checks an execution input before it is accepted.
type InputValidator interface {
	ValidateInput(in schema.ExecutionInput) error
}

// ExecutionResult is the outcome of a root execution.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      any                    `json:"output,omitempty"`
	Error       *schema.TaskError      `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Executor runs task executions.
type Executor struct {
	store      store.Store
	activities *activities.Registry
	ev         *expressions.Evaluator
	recorder   *Recorder
	fsm        *StatusFSM
	pool       *WorkerPool
	validator  InputValidator
	cfg        ExecutorConfig
	logger     *slog.Logger

	mu       sync.Mutex
	lineages map[string]*lineage
}

// NewExecutor creates an Executor. validator may be nil.
func NewExecutor(s store.Store, registry *activities.Registry, ev *expressions.Evaluator, validator InputValidator, cfg ExecutorConfig) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		store:      s,
		activities: registry,
		ev:         ev,
		recorder:   NewRecorder(s, cfg.Hub, cfg.Logger),
		fsm:        NewStatusFSM(cfg.Hub),
		pool:       NewWorkerPool(cfg.PoolSize, cfg.Logger),
		validator:  validator,
		cfg:        cfg,
		logger:     cfg.Logger,
		lineages:   make(map[string]*lineage),
	}
}

// FSM exposes the status machine so callers can register hooks.
func (e *Executor) FSM() *StatusFSM { return e.fsm }

// Run executes in synchronously and returns its result. Cancelling ctx
// cancels the execution.
func (e *Executor) Run(ctx context.Context, in schema.ExecutionInput) (*ExecutionResult, error) {
	exec, cp, err := e.newRoot(ctx, in, "")
	if err != nil {
		return nil, err
	}
	return e.runAttached(ctx, exec, cp)
}

// RunTask runs a stored task synchronously.
func (e *Executor) RunTask(ctx context.Context, taskID string, args map[string]any) (*ExecutionResult, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	exec, cp, err := e.newRoot(ctx, schema.ExecutionInput{Task: task, Arguments: args}, taskID)
	if err != nil {
		return nil, err
	}
	return e.runAttached(ctx, exec, cp)
}

// Start queues in on the worker pool and returns the execution id.
func (e *Executor) Start(ctx context.Context, in schema.ExecutionInput) (string, error) {
	exec, cp, err := e.newRoot(ctx, in, "")
	if err != nil {
		return "", err
	}
	return exec.ID, e.submit(ctx, exec, cp)
}

// StartTask queues a stored task and returns the execution id.
func (e *Executor) StartTask(ctx context.Context, taskID string, args map[string]any) (string, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	exec, cp, err := e.newRoot(ctx, schema.ExecutionInput{Task: task, Arguments: args}, taskID)
	if err != nil {
		return "", err
	}
	return exec.ID, e.submit(ctx, exec, cp)
}

// Resume continues an interrupted root execution from its last checkpoint
// and waits for it. A finished execution returns its stored result.
func (e *Executor) Resume(ctx context.Context, executionID string) (*ExecutionResult, error) {
	exec, cp, err := e.loadResumable(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Done() {
		return storedResult(exec), nil
	}
	return e.runAttached(ctx, exec, cp)
}

// RecoverInterrupted restarts every root execution left unfinished by a
// previous process and returns their ids.
func (e *Executor) RecoverInterrupted(ctx context.Context) ([]string, error) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses:  []schema.ExecutionStatus{schema.ExecutionQueued, schema.ExecutionRunning, schema.ExecutionAwaitingInput},
		RootsOnly: true,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list interrupted executions: %s", err.Error()).WithCause(err)
	}

	var resumed []string
	for _, exec := range execs {
		if e.live(exec.ID) != nil {
			continue
		}
		cp, err := e.store.GetCheckpoint(ctx, exec.ID)
		if err != nil {
			e.logger.Warn("skipping execution without checkpoint",
				slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
			continue
		}
		if err := e.submit(ctx, exec, cp); err != nil {
			return resumed, err
		}
		resumed = append(resumed, exec.ID)
	}
	if len(resumed) > 0 {
		e.logger.Info("recovered interrupted executions", slog.Int("count", len(resumed)))
	}
	return resumed, nil
}

// Wait blocks until the root execution finishes or ctx is done.
func (e *Executor) Wait(ctx context.Context, executionID string) (*ExecutionResult, error) {
	if lin := e.live(executionID); lin != nil {
		select {
		case <-lin.done:
			return lin.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Done() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not running in this process", executionID)
	}
	return storedResult(exec), nil
}

// Cancel stops a root execution. Running executions record a cancelled
// transition at their current step.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	if lin := e.live(executionID); lin != nil {
		lin.cancel()
		return nil
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.IsRoot() {
		return schema.NewErrorf(schema.ErrCodeValidation, "execution %q is nested; cancel its root %q", exec.ID, exec.LineageID)
	}
	if exec.Status.Done() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already %s", exec.ID, exec.Status)
	}
	now := e.cfg.Clock.Now()
	return e.setStatus(ctx, exec, schema.ExecutionCancelled, store.ExecutionUpdate{CompletedAt: &now})
}

// Status returns the persisted execution record.
func (e *Executor) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Transitions returns the transition log. For a root execution this is the
// whole lineage; for a nested one, only its own transitions.
func (e *Executor) Transitions(ctx context.Context, executionID string) ([]*schema.Transition, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.IsRoot() {
		return store.NewTransitionLog(e.store, exec.LineageID).Replay(ctx)
	}
	return e.store.ListTransitions(ctx, store.TransitionFilter{LineageID: exec.LineageID, ExecutionID: exec.ID})
}

// Shutdown stops accepting work and waits for running executions. Those
// still running when ctx ends stay resumable via RecoverInterrupted.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns the worker pool metrics.
func (e *Executor) Metrics() PoolMetrics { return e.pool.Metrics() }

// --- Lifecycle ---

func (e *Executor) newRoot(ctx context.Context, in schema.ExecutionInput, taskID string) (*store.Execution, *store.Checkpoint, error) {
	if in.Task == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "execution input has no task")
	}
	args, err := expressions.Normalize(in.Arguments)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "arguments: %s", err.Error()).WithCause(err)
	}
	in.Arguments, _ = args.(map[string]any)
	if in.Arguments == nil {
		in.Arguments = map[string]any{}
	}
	if e.validator != nil {
		if err := e.validator.ValidateInput(in); err != nil {
			return nil, nil, err
		}
	}

	start := schema.TransitionTarget{Workflow: schema.MainWorkflow}
	if _, err := in.Task.Resolve(start); err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	exec := &store.Execution{
		ID:        id,
		LineageID: id,
		TaskID:    taskID,
		Input:     in,
		Start:     start,
		Status:    schema.ExecutionQueued,
		CreatedAt: e.cfg.Clock.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	cp := &store.Checkpoint{
		ExecutionID: id,
		Cursor:      start,
		Inputs:      []any{in.Arguments},
		UserState:   map[string]any{},
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithCause(err)
	}

	_ = e.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: id,
		LineageID:   id,
		EventType:   schema.EventExecutionQueued,
	})
	logging.LogWith(logging.WithExecution(ctx, id, id, taskID), e.logger).Info("execution queued",
		slog.String("task", in.Task.Name))
	return exec, cp, nil
}

func (e *Executor) loadResumable(ctx context.Context, executionID string) (*store.Execution, *store.Checkpoint, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if !exec.IsRoot() {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "execution %q is nested; resume its root %q", exec.ID, exec.LineageID)
	}
	if exec.Status.Done() {
		return exec, nil, nil
	}
	if e.live(exec.ID) != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already running", exec.ID)
	}
	cp, err := e.store.GetCheckpoint(ctx, exec.ID)
	if err != nil {
		return nil, nil, err
	}
	return exec, cp, nil
}

// runAttached drives the execution on the caller's goroutine, cancelling it
// if ctx ends first.
func (e *Executor) runAttached(ctx context.Context, exec *store.Execution, cp *store.Checkpoint) (*ExecutionResult, error) {
	lin, err := e.register(exec.ID)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, lin.cancel)
	defer stop()
	return e.drive(lin, exec, cp), nil
}

func (e *Executor) submit(ctx context.Context, exec *store.Execution, cp *store.Checkpoint) error {
	lin, err := e.register(exec.ID)
	if err != nil {
		return err
	}
	err = e.pool.Submit(ctx, exec.ID, func(context.Context) error {
		res := e.drive(lin, exec, cp)
		if res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		e.unregister(lin)
		lin.finish(nil)
		return schema.NewErrorf(schema.ErrCodeConflict, "submit execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Executor) drive(lin *lineage, exec *store.Execution, cp *store.Checkpoint) *ExecutionResult {
	out, err := e.execute(lin.ctx, lin, nil, exec, cp)
	res := &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
	if err != nil {
		res.Error = schema.AsTaskError(err, "")
	} else {
		res.Output = out
	}
	e.unregister(lin)
	lin.finish(res)
	return res
}

// execute runs one (sub)execution to completion and persists its final
// status. Nested executions merge the user-state keys they changed back
// into their parent on success.
func (e *Executor) execute(ctx context.Context, lin *lineage, parent *frame, exec *store.Execution, cp *store.Checkpoint) (any, error) {
	f := &frame{exec: exec, state: state.New(cp.UserState), cp: cp, parent: parent}
	lin.push(f)
	defer lin.pop()

	ctx = logging.WithExecution(ctx, exec.ID, exec.LineageID, exec.TaskID)
	upd := store.ExecutionUpdate{}
	if exec.StartedAt == nil {
		now := e.cfg.Clock.Now()
		upd.StartedAt = &now
	}
	if err := e.setStatus(ctx, exec, schema.ExecutionRunning, upd); err != nil {
		return nil, err
	}
	if upd.StartedAt != nil {
		exec.StartedAt = upd.StartedAt
	}

	out, err := e.interpret(ctx, lin, f)
	if err == nil && parent != nil {
		if diff := state.Changed(parent.state.Snapshot(), f.state.Snapshot()); len(diff) > 0 {
			parent.state.Update(diff)
		}
	}
	e.complete(ctx, exec, out, err)
	return out, err
}

func (e *Executor) complete(ctx context.Context, exec *store.Execution, out any, runErr error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, e.logger)

	now := e.cfg.Clock.Now()
	upd := store.ExecutionUpdate{CompletedAt: &now}
	to := schema.ExecutionSucceeded
	switch {
	case runErr == nil:
		b, err := json.Marshal(out)
		if err != nil {
			log.Error("marshal execution output", slog.String("error", err.Error()))
		}
		upd.Output = b
	case schema.IsCode(runErr, schema.ErrCodeCancelled):
		to = schema.ExecutionCancelled
	default:
		to = schema.ExecutionFailed
		upd.Error, _ = json.Marshal(schema.AsTaskError(runErr, ""))
	}

	if err := e.setStatus(ctx, exec, to, upd); err != nil {
		log.Error("persist final status", slog.String("status", string(to)), slog.String("error", err.Error()))
		return
	}
	exec.CompletedAt = &now
	if runErr != nil && to == schema.ExecutionFailed {
		log.Error("execution failed", slog.String("error", runErr.Error()))
		return
	}
	log.Info("execution finished", slog.String("status", string(to)))
}

func (e *Executor) setStatus(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, upd store.ExecutionUpdate) error {
	if err := e.fsm.Transition(ctx, exec.ID, exec.LineageID, exec.Status, to); err != nil {
		return err
	}
	upd.Status = &to
	if err := e.store.UpdateExecution(ctx, exec.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update execution status: %s", err.Error()).WithCause(err)
	}
	exec.Status = to
	return nil
}

func (e *Executor) checkpoint(ctx context.Context, f *frame, sc *schema.StepContext) error {
	f.cp.Cursor = sc.Cursor
	f.cp.Inputs = sc.Inputs
	f.cp.UserState = f.state.Snapshot()
	if err := e.store.SaveCheckpoint(ctx, f.cp); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save checkpoint: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- Lineage registry ---

func (e *Executor) register(id string) (*lineage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.lineages[id]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already running", id)
	}
	lin := newLineage(id)
	e.lineages[id] = lin
	return lin, nil
}

func (e *Executor) unregister(lin *lineage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lineages[lin.id] == lin {
		delete(e.lineages, lin.id)
	}
}

func (e *Executor) live(id string) *lineage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lineages[id]
}

func storedResult(exec *store.Execution) *ExecutionResult {
	res := &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
	}
	if len(exec.Output) > 0 {
		_ = json.Unmarshal(exec.Output, &res.Output)
	}
	if len(exec.Error) > 0 {
		te := &schema.TaskError{}
		if err := json.Unmarshal(exec.Error, te); err == nil {
			res.Error = te
		}
	}
	if exec.Status == schema.ExecutionCancelled && res.Error == nil {
		res.Error = errCancelled()
	}
	return res
}

func errCancelled() *schema.TaskError {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
}
