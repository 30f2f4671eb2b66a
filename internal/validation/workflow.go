package validation

import (
	"errors"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// TaskValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (main workflow, names, yield targets, sleeps)
// 3. Yield graph (cycles, reachability)
type TaskValidator struct {
	jsonSchema *JSONSchemaValidator
}

var _ Validator = (*TaskValidator)(nil)

// NewTaskValidator creates a TaskValidator.
func NewTaskValidator() (*TaskValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TaskValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (v *TaskValidator) Validate(task *schema.Task) *schema.ValidationResult {
	if task == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "task is nil")
		return r
	}

	result := validateStructural(v.jsonSchema, task)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(task))
	if result.Valid() {
		result.Merge(validateYieldGraph(task))
	}
	return result
}

// ValidateTask satisfies the Validator interface.
func (v *TaskValidator) ValidateTask(task *schema.Task) error {
	return v.Validate(task).ToError()
}

// ValidateInput validates the task and then the arguments against the
// task's input schema.
func (v *TaskValidator) ValidateInput(in schema.ExecutionInput) error {
	if err := v.ValidateTask(in.Task); err != nil {
		return err
	}
	return v.jsonSchema.ValidateArguments(in.Arguments, in.Task.InputSchema)
}

// validateStructural turns schema violations into issues located at
// their JSON pointer.
func validateStructural(v *JSONSchemaValidator, task *schema.Task) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(task)
	if err == nil {
		return result
	}

	var te *schema.TaskError
	if errors.As(err, &te) {
		if violations, ok := te.Details["violations"].([]Violation); ok {
			for _, vi := range violations {
				result.AddError(vi.Path, schema.ErrCodeValidation, vi.Message)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, err.Error())
	return result
}
