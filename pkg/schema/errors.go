package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeUnsupportedStep   = "UNSUPPORTED_STEP"
	ErrCodeErrorStep         = "ERROR_STEP"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// TaskError is the structured error type for task execution.
type TaskError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepType StepKind       `json:"step_type,omitempty"`
	Cause    error          `json:"-"`
}

func (e *TaskError) Error() string {
	if e.StepType != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepType, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TaskError.
func NewError(code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// NewErrorf creates a new TaskError with a formatted message.
func NewErrorf(code, format string, args ...any) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the failing step's kind to the error.
func (e *TaskError) WithStep(kind StepKind) *TaskError {
	e.StepType = kind
	return e
}

// WithCause attaches an underlying cause.
func (e *TaskError) WithCause(err error) *TaskError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TaskError) WithDetails(details map[string]any) *TaskError {
	e.Details = details
	return e
}

// IsCode reports whether err is, or wraps, a TaskError with the given code.
func IsCode(err error, code string) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// AsTaskError returns err as a TaskError. Errors of any other type are
// wrapped as a STEP_FAILED error for the given step kind.
func AsTaskError(err error, kind StepKind) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewError(ErrCodeStepFailed, err.Error()).WithStep(kind).WithCause(err)
}
