package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func recorderFixture(t *testing.T) (*Recorder, *store.MemoryStore, *store.Execution, *schema.Task) {
	t.Helper()
	s := store.NewMemoryStore()
	task := &schema.Task{Name: "rec", Workflows: []schema.Workflow{
		{Name: schema.MainWorkflow, Steps: []schema.Step{
			&schema.LogStep{Log: "a"},
			&schema.LogStep{Log: "b"},
		}},
		{Name: "side", Steps: []schema.Step{&schema.LogStep{Log: "c"}}},
	}}
	exec := &store.Execution{ID: "exec-1", LineageID: "exec-1"}
	return NewRecorder(s, nil, nil), s, exec, task
}

func contextAt(task *schema.Task, workflow string, step int) *schema.StepContext {
	return schema.NewStepContext(schema.ExecutionInput{Task: task, Arguments: map[string]any{}},
		schema.TransitionTarget{Workflow: workflow, Step: step}, nil)
}

func TestRecorder_StepDefaults(t *testing.T) {
	r, _, exec, task := recorderFixture(t)
	ctx := context.Background()

	tr, err := r.Record(ctx, exec, contextAt(task, "main", 0), schema.PartialTransition{Output: 1})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionStep, tr.Type)
	assert.Equal(t, &schema.TransitionTarget{Workflow: "main", Step: 1}, tr.Next)
	assert.Equal(t, 1.0, tr.Output)
	assert.Equal(t, int64(1), tr.Sequence)

	tr, err = r.Record(ctx, exec, contextAt(task, "main", 1), schema.PartialTransition{Output: "done"})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionFinish, tr.Type)
	assert.Nil(t, tr.Next)

	tr, err = r.Record(ctx, exec, contextAt(task, "side", 0), schema.PartialTransition{})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionFinishBranch, tr.Type)
}

func TestRecorder_InitPointsAtCursor(t *testing.T) {
	r, _, exec, task := recorderFixture(t)
	tr, err := r.Record(context.Background(), exec, contextAt(task, "side", 0),
		schema.PartialTransition{Type: schema.TransitionInitBranch})
	require.NoError(t, err)
	assert.Equal(t, &schema.TransitionTarget{Workflow: "side", Step: 0}, tr.Next)
}

func TestRecorder_ResumeAtEndAddsFinish(t *testing.T) {
	r, s, exec, task := recorderFixture(t)
	ctx := context.Background()

	tr, err := r.Record(ctx, exec, contextAt(task, "main", 0),
		schema.PartialTransition{Type: schema.TransitionResume, Output: "in"})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionResume, tr.Type)
	assert.Equal(t, &schema.TransitionTarget{Workflow: "main", Step: 1}, tr.Next)

	tr, err = r.Record(ctx, exec, contextAt(task, "main", 1),
		schema.PartialTransition{Type: schema.TransitionResume, Output: "in"})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionFinish, tr.Type)
	assert.Equal(t, "in", tr.Output)

	all, err := s.ListTransitions(ctx, store.TransitionFilter{LineageID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, schema.TransitionResume, all[1].Type)
	assert.Nil(t, all[1].Next)
	assert.Equal(t, schema.TransitionFinish, all[2].Type)
}

func TestRecorder_KeepsExplicitTarget(t *testing.T) {
	r, _, exec, task := recorderFixture(t)
	side := schema.TransitionTarget{Workflow: "side"}
	tr, err := r.Record(context.Background(), exec, contextAt(task, "main", 1),
		schema.PartialTransition{Type: schema.TransitionStep, Next: &side})
	require.NoError(t, err)
	assert.Equal(t, schema.TransitionStep, tr.Type)
	assert.Equal(t, &side, tr.Next)

	tr, err = r.Record(context.Background(), exec, contextAt(task, "main", 0),
		schema.PartialTransition{Type: schema.TransitionWait})
	require.NoError(t, err)
	assert.Nil(t, tr.Next)
}

func TestRecorder_PublishesTransitions(t *testing.T) {
	s := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{LineageID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	_, _, exec, task := recorderFixture(t)
	r := NewRecorder(s, hub, nil)
	_, err = r.Record(context.Background(), exec, contextAt(task, "main", 0), schema.PartialTransition{})
	require.NoError(t, err)

	evt := <-ch
	assert.Equal(t, schema.EventTransition, evt.EventType)
	assert.Equal(t, "main.0", evt.Cursor)
	assert.Equal(t, int64(1), evt.Sequence)
}

func TestRecorder_RejectsUnserializableOutput(t *testing.T) {
	r, _, exec, task := recorderFixture(t)
	_, err := r.Record(context.Background(), exec, contextAt(task, "main", 0),
		schema.PartialTransition{Output: make(chan int)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}
