package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func testTask() *schema.Task {
	return &schema.Task{
		ID:   uuid.New().String(),
		Name: "greet",
		Workflows: []schema.Workflow{{
			Name: schema.MainWorkflow,
			Steps: []schema.Step{
				&schema.EvaluateStep{Evaluate: map[string]string{"x": "1 + 1"}},
				&schema.IfElseStep{
					If:   "_.x > 1",
					Then: &schema.ReturnStep{Return: map[string]string{"ok": "true"}},
				},
			},
		}},
	}
}

func seedExecution(t *testing.T, s Store) *Execution {
	t.Helper()
	id := uuid.New().String()
	exec := &Execution{
		ID:        id,
		LineageID: id,
		TaskID:    "task-1",
		Input:     schema.ExecutionInput{Task: testTask(), Arguments: map[string]any{"name": "ada"}},
		Start:     schema.TransitionTarget{Workflow: schema.MainWorkflow},
		Status:    schema.ExecutionQueued,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.ID, got.ID)
		assert.Equal(t, exec.LineageID, got.LineageID)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, schema.ExecutionQueued, got.Status)
		assert.True(t, got.IsRoot())
		assert.Equal(t, map[string]any{"name": "ada"}, got.Input.Arguments)
		require.NotNil(t, got.Input.Task)
		step, err := got.Input.Task.Resolve(schema.TransitionTarget{Workflow: schema.MainWorkflow, Step: 1})
		require.NoError(t, err)
		assert.Equal(t, schema.KindIfElse, step.Kind())
		assert.Nil(t, got.StartedAt)
	})
}

func TestCreateExecution_Duplicate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		exec := seedExecution(t, s)
		err := s.CreateExecution(context.Background(), &Execution{
			ID: exec.ID, LineageID: exec.ID, Status: schema.ExecutionQueued,
		})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	})
}

func TestGetExecution_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetExecution(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestUpdateExecution(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s)

		status := schema.ExecutionSucceeded
		now := time.Now().UTC()
		require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
			Status:      &status,
			Output:      json.RawMessage(`{"ok":true}`),
			CompletedAt: &now,
		}))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionSucceeded, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Output))
		require.NotNil(t, got.CompletedAt)

		err = s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &status})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestListExecutions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		root := seedExecution(t, s)
		child := &Execution{
			ID:        root.ID + "/main[0].foreach[0]",
			ParentID:  root.ID,
			LineageID: root.LineageID,
			Input:     root.Input,
			Status:    schema.ExecutionRunning,
		}
		require.NoError(t, s.CreateExecution(ctx, child))
		seedExecution(t, s)

		all, err := s.ListExecutions(ctx, ExecutionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		roots, err := s.ListExecutions(ctx, ExecutionFilter{RootsOnly: true})
		require.NoError(t, err)
		assert.Len(t, roots, 2)

		lineage, err := s.ListExecutions(ctx, ExecutionFilter{LineageID: root.LineageID})
		require.NoError(t, err)
		assert.Len(t, lineage, 2)

		children, err := s.ListExecutions(ctx, ExecutionFilter{ParentID: root.ID})
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child.ID, children[0].ID)

		running, err := s.ListExecutions(ctx, ExecutionFilter{
			Statuses: []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionAwaitingInput},
		})
		require.NoError(t, err)
		require.Len(t, running, 1)

		limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

// --- Transition Tests ---

func TestAppendTransition_SequencePerLineage(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedExecution(t, s)
		b := seedExecution(t, s)

		for i := 0; i < 3; i++ {
			tr := &schema.Transition{
				ExecutionID: a.ID, LineageID: a.LineageID, Type: schema.TransitionStep,
				Current: schema.TransitionTarget{Workflow: "main", Step: i},
				Next:    &schema.TransitionTarget{Workflow: "main", Step: i + 1},
				Output:  map[string]any{"i": i},
			}
			require.NoError(t, s.AppendTransition(ctx, tr))
			assert.Equal(t, int64(i+1), tr.Sequence)
			assert.NotEmpty(t, tr.ID)
		}

		other := &schema.Transition{ExecutionID: b.ID, LineageID: b.LineageID, Type: schema.TransitionInit}
		require.NoError(t, s.AppendTransition(ctx, other))
		assert.Equal(t, int64(1), other.Sequence)
	})
}

func TestListTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s)

		require.NoError(t, s.AppendTransition(ctx, &schema.Transition{
			ExecutionID: exec.ID, LineageID: exec.LineageID, Type: schema.TransitionInit,
			Current: schema.TransitionTarget{Workflow: "main"},
			Next:    &schema.TransitionTarget{Workflow: "main"},
			Output:  map[string]any{"name": "ada"},
		}))
		require.NoError(t, s.AppendTransition(ctx, &schema.Transition{
			ExecutionID: exec.ID + "/main[0].yield", LineageID: exec.LineageID, Type: schema.TransitionStep,
			Current:  schema.TransitionTarget{Workflow: "sub"},
			Output:   []any{1, "two"},
			Metadata: map[string]any{"step_type": "log"},
		}))
		require.NoError(t, s.AppendTransition(ctx, &schema.Transition{
			ExecutionID: exec.ID, LineageID: exec.LineageID, Type: schema.TransitionFinish,
			Current: schema.TransitionTarget{Workflow: "main", Step: 1},
			Output:  "done",
		}))

		all, err := s.ListTransitions(ctx, TransitionFilter{LineageID: exec.LineageID})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, schema.TransitionInit, all[0].Type)
		assert.Equal(t, map[string]any{"name": "ada"}, all[0].Output)
		require.NotNil(t, all[0].Next)
		assert.Equal(t, "main.0", all[0].Next.String())
		assert.Equal(t, []any{float64(1), "two"}, all[1].Output)
		assert.Equal(t, "log", all[1].Metadata["step_type"])
		assert.Nil(t, all[2].Next)
		assert.Equal(t, "done", all[2].Output)

		own, err := s.ListTransitions(ctx, TransitionFilter{ExecutionID: exec.ID})
		require.NoError(t, err)
		assert.Len(t, own, 2)

		since, err := s.ListTransitions(ctx, TransitionFilter{LineageID: exec.LineageID, Since: 2})
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Equal(t, int64(3), since[0].Sequence)
	})
}

// --- Checkpoint Tests ---

func TestSaveAndGetCheckpoint(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s)

		deadline := time.Now().Add(time.Hour).UTC()
		cp := &Checkpoint{
			ExecutionID:   exec.ID,
			Cursor:        schema.TransitionTarget{Workflow: "main", Step: 2},
			Inputs:        []any{map[string]any{"name": "ada"}, 3},
			UserState:     map[string]any{"count": 1},
			Started:       true,
			TimerDeadline: &deadline,
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		got, err := s.GetCheckpoint(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, cp.Cursor, got.Cursor)
		assert.Equal(t, []any{map[string]any{"name": "ada"}, float64(3)}, got.Inputs)
		assert.Equal(t, map[string]any{"count": float64(1)}, got.UserState)
		assert.True(t, got.Started)
		require.NotNil(t, got.TimerDeadline)
		assert.WithinDuration(t, deadline, *got.TimerDeadline, time.Second)

		cp.Cursor.Step = 3
		cp.TimerDeadline = nil
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		got, err = s.GetCheckpoint(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Cursor.Step)
		assert.Nil(t, got.TimerDeadline)
	})
}

func TestGetCheckpoint_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetCheckpoint(context.Background(), "nope")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

// --- Task Tests ---

func TestPutAndGetTask(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := testTask()
		require.NoError(t, s.PutTask(ctx, task))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "greet", got.Name)
		assert.Equal(t, []string{schema.MainWorkflow}, got.WorkflowNames())

		task.Name = "greet-v2"
		require.NoError(t, s.PutTask(ctx, task))
		other := testTask()
		other.Name = "alpha"
		require.NoError(t, s.PutTask(ctx, other))

		tasks, err := s.ListTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "alpha", tasks[0].Name)
		assert.Equal(t, "greet-v2", tasks[1].Name)

		_, err = s.GetTask(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestPutTask_AssignsID(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		task := testTask()
		task.ID = ""
		require.NoError(t, s.PutTask(context.Background(), task))
		assert.NotEmpty(t, task.ID)
	})
}

// --- Scheduled Job Tests ---

func TestScheduledJobLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := &ScheduledJob{
			TaskID:         "task-1",
			CronExpression: "*/5 * * * *",
			Arguments:      map[string]any{"n": 1},
			Enabled:        true,
		}
		require.NoError(t, s.CreateScheduledJob(ctx, job))
		require.NotEmpty(t, job.ID)

		got, err := s.GetScheduledJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "*/5 * * * *", got.CronExpression)
		assert.Equal(t, map[string]any{"n": float64(1)}, got.Arguments)
		assert.True(t, got.Enabled)

		now := time.Now().UTC()
		disabled := false
		require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
			Enabled: &disabled, LastRunAt: &now, LastRunStatus: "succeeded",
		}))
		got, err = s.GetScheduledJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, "succeeded", got.LastRunStatus)
		require.NotNil(t, got.LastRunAt)

		enabled := true
		jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, jobs)
		jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{TaskID: "task-1"})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
		err = s.DeleteScheduledJob(ctx, job.ID)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

// --- Transition Log Tests ---

func TestTransitionLog_ReplayAndLast(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s)
		log := NewTransitionLog(s, exec.LineageID)

		last, err := log.Last(ctx, exec.ID)
		require.NoError(t, err)
		assert.Nil(t, last)

		require.NoError(t, log.Append(ctx, &schema.Transition{ExecutionID: exec.ID, Type: schema.TransitionInit}))
		require.NoError(t, log.Append(ctx, &schema.Transition{ExecutionID: exec.ID, Type: schema.TransitionFinish}))

		ts, err := log.Replay(ctx)
		require.NoError(t, err)
		require.Len(t, ts, 2)
		assert.Equal(t, exec.LineageID, ts[1].LineageID)

		last, err = log.Last(ctx, exec.ID)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, schema.TransitionFinish, last.Type)
	})
}

// --- Maintenance ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (\n  x INT\n);\n\n-- only a comment\n;SELECT 1; SELECT 2")
	assert.Equal(t, []string{"CREATE TABLE a (\nx INT\n)", "SELECT 1", "SELECT 2"}, stmts)
}

func TestLoadSchemaSteps(t *testing.T) {
	steps, err := loadSchemaSteps()
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 1, steps[0].version)
	assert.Equal(t, "initial_schema", steps[0].label)
	assert.Contains(t, steps[0].script, "CREATE TABLE")
}
