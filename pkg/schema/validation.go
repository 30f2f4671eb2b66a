package schema

import (
	"fmt"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a task definition. Path uses the
// dotted/indexed form of the YAML document, e.g. "workflows[0].steps[2].then".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult collects the issues of every validation pass. Only
// errors make a task invalid; warnings are reported and otherwise ignored.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) add(issue ValidationIssue) {
	if issue.Severity == SeverityError {
		r.Errors = append(r.Errors, issue)
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

// Merge appends the issues of other, keeping their order.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for _, set := range [][]ValidationIssue{other.Errors, other.Warnings} {
		for _, issue := range set {
			r.add(issue)
		}
	}
}

// ToError returns nil for a valid result. Otherwise the VALIDATION_ERROR
// carries every issue in its details; its message is the only error, or a
// count followed by each error on its own line.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		var b strings.Builder
		fmt.Fprintf(&b, "validation failed with %d errors", n)
		for _, e := range r.Errors {
			b.WriteString("\n  ")
			b.WriteString(e.String())
		}
		msg = b.String()
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
