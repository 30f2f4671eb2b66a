package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTask() *Task {
	return &Task{
		ID:   "task-1",
		Name: "sample",
		Workflows: []Workflow{
			{Name: MainWorkflow, Steps: []Step{
				&EvaluateStep{Evaluate: map[string]string{"x": "1"}},
				&LogStep{Log: "done"},
			}},
			{Name: "other", Steps: []Step{&ReturnStep{Return: map[string]string{"y": "2"}}}},
		},
	}
}

func TestTask_UnmarshalJSON(t *testing.T) {
	raw := `{
		"name": "demo",
		"workflows": [
			{"name": "main", "steps": [{"evaluate": {"a": "1"}}, {"workflow": "sub"}]},
			{"name": "sub", "steps": [{"return": {"b": "2"}}]}
		]
	}`
	var task Task
	require.NoError(t, json.Unmarshal([]byte(raw), &task))
	assert.Equal(t, []string{"main", "sub"}, task.WorkflowNames())

	main, ok := task.Workflow("main")
	require.True(t, ok)
	require.Len(t, main.Steps, 2)
	assert.Equal(t, &YieldStep{Workflow: "sub"}, main.Steps[1])
}

func TestTask_UnmarshalJSON_BadStep(t *testing.T) {
	raw := `{"name": "demo", "workflows": [{"name": "main", "steps": [{"nope": 1}]}]}`
	var task Task
	err := json.Unmarshal([]byte(raw), &task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `workflow "main"`)
}

func TestTask_Branch(t *testing.T) {
	task := sampleTask()
	step := &LogStep{Log: "branch"}

	branch := task.Branch("main[1].if_else.then", step)

	require.Len(t, branch.Workflows, 1)
	assert.Equal(t, "main[1].if_else.then", branch.Workflows[0].Name)
	assert.Equal(t, []Step{step}, branch.Workflows[0].Steps)
	assert.Equal(t, task.ID, branch.ID)

	// Original untouched.
	assert.Len(t, task.Workflows, 2)
	_, ok := task.Workflow("main[1].if_else.then")
	assert.False(t, ok)
}

func TestTask_Resolve(t *testing.T) {
	task := sampleTask()

	step, err := task.Resolve(TransitionTarget{Workflow: "other", Step: 0})
	require.NoError(t, err)
	assert.Equal(t, KindReturn, step.Kind())

	_, err = task.Resolve(TransitionTarget{Workflow: "missing", Step: 0})
	assert.True(t, IsCode(err, ErrCodeValidation))

	_, err = task.Resolve(TransitionTarget{Workflow: "main", Step: 2})
	assert.True(t, IsCode(err, ErrCodeValidation))

	_, err = task.Resolve(TransitionTarget{Workflow: "main", Step: -1})
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestExecutionInput_WithTask(t *testing.T) {
	in := ExecutionInput{Task: sampleTask(), Arguments: map[string]any{"a": 1}}
	branch := in.WithTask(in.Task.Branch("b", &LogStep{}))

	assert.NotSame(t, in.Task, branch.Task)
	assert.Len(t, in.Task.Workflows, 2)
	assert.Equal(t, in.Arguments, branch.Arguments)
}
