package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepContext_DefaultsInputs(t *testing.T) {
	args := map[string]any{"x": 1}
	ctx := NewStepContext(ExecutionInput{Task: sampleTask(), Arguments: args}, TransitionTarget{Workflow: "main"}, nil)

	require.Len(t, ctx.Inputs, 1)
	assert.Equal(t, args, ctx.CurrentInput())
	assert.Empty(t, ctx.Outputs())
	assert.True(t, ctx.IsFirstStep())
	assert.True(t, ctx.IsMain())
}

func TestStepContext_CurrentStep(t *testing.T) {
	in := ExecutionInput{Task: sampleTask()}

	ctx := NewStepContext(in, TransitionTarget{Workflow: "main", Step: 1}, []any{"a", "b"})
	step, err := ctx.CurrentStep()
	require.NoError(t, err)
	assert.Equal(t, KindLog, step.Kind())
	assert.False(t, ctx.IsFirstStep())
	assert.Equal(t, "b", ctx.CurrentInput())
	assert.Equal(t, []any{"b"}, ctx.Outputs())

	bad := NewStepContext(in, TransitionTarget{Workflow: "main", Step: 9}, nil)
	_, err = bad.CurrentStep()
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestStepContext_Following(t *testing.T) {
	in := ExecutionInput{Task: sampleTask()}

	first := NewStepContext(in, TransitionTarget{Workflow: "main", Step: 0}, nil)
	assert.Equal(t, &TransitionTarget{Workflow: "main", Step: 1}, first.Following())

	last := NewStepContext(in, TransitionTarget{Workflow: "main", Step: 1}, nil)
	assert.Nil(t, last.Following())
}

func TestStepContext_Advance(t *testing.T) {
	in := ExecutionInput{Task: sampleTask(), Arguments: map[string]any{"x": 1}}
	ctx := NewStepContext(in, TransitionTarget{Workflow: "main", Step: 0}, nil)

	next, err := ctx.Advance(&Transition{
		Type:   TransitionStep,
		Output: "out",
		Next:   &TransitionTarget{Workflow: "main", Step: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, TransitionTarget{Workflow: "main", Step: 1}, next.Cursor)
	assert.Equal(t, []any{map[string]any{"x": 1}, "out"}, next.Inputs)
	assert.Len(t, ctx.Inputs, 1, "receiver must not change")

	_, err = ctx.Advance(&Transition{Type: TransitionStep})
	assert.True(t, IsCode(err, ErrCodeValidation))

	_, err = ctx.Advance(&Transition{Type: TransitionStep, Next: &TransitionTarget{Workflow: "nope"}})
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestTransitionType_Ends(t *testing.T) {
	assert.True(t, TransitionFinish.Ends())
	assert.True(t, TransitionFinishBranch.Ends())
	assert.True(t, TransitionCancelled.Ends())
	assert.False(t, TransitionError.Ends())
	assert.True(t, TransitionError.Terminal())
	assert.False(t, TransitionWait.Terminal())
	assert.False(t, TransitionStep.Ends())
}
