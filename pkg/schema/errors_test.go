package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskError_Format(t *testing.T) {
	err := NewError(ErrCodeUnsupportedStep, "not implemented").WithStep(KindEmbed)
	assert.Equal(t, "[UNSUPPORTED_STEP] step embed: not implemented", err.Error())

	plain := NewErrorf(ErrCodeNotFound, "execution %s not found", "abc")
	assert.Equal(t, "[NOT_FOUND] execution abc not found", plain.Error())
}

func TestTaskError_UnwrapAndIsCode(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStepFailed, "activity failed").WithCause(cause)
	wrapped := fmt.Errorf("outer: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, IsCode(wrapped, ErrCodeStepFailed))
	assert.False(t, IsCode(wrapped, ErrCodeValidation))
	assert.False(t, IsCode(cause, ErrCodeStepFailed))
}

func TestAsTaskError(t *testing.T) {
	te := AsTaskError(errors.New("plain"), KindPrompt)
	require.NotNil(t, te)
	assert.Equal(t, ErrCodeStepFailed, te.Code)
	assert.Equal(t, KindPrompt, te.StepType)

	orig := NewError(ErrCodeValidation, "bad")
	assert.Same(t, orig, AsTaskError(orig, KindPrompt))
}
