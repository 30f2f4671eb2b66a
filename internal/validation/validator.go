// Package validation checks task definitions before they are stored or
// executed, and execution arguments against a task's input schema.
package validation

import "github.com/dhanush-chevuri/julep/pkg/schema"

// Validator checks task definitions and execution inputs.
// Uses JSON Schema Draft 2020-12 for structure and input validation.
type Validator interface {
	ValidateTask(task *schema.Task) error
	ValidateInput(in schema.ExecutionInput) error
}
