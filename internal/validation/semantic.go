package validation

import (
	"fmt"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// unimplemented lists step kinds the interpreter rejects at run time.
var unimplemented = map[schema.StepKind]bool{
	schema.KindEmbed:    true,
	schema.KindSearch:   true,
	schema.KindParallel: true,
	schema.KindToolCall: true,
}

const wildcardCase = "_"

// validateSemantic checks what the schema cannot express: a main workflow,
// unique workflow names, yield targets, static sleep durations and switch
// arm ordering.
func validateSemantic(task *schema.Task) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(task.Workflows))
	for i, wf := range task.Workflows {
		path := fmt.Sprintf("workflows[%d]", i)
		if names[wf.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate workflow name %q", wf.Name))
		}
		names[wf.Name] = true
		if len(wf.Steps) == 0 {
			result.AddError(path+".steps", schema.ErrCodeValidation,
				fmt.Sprintf("workflow %q has no steps", wf.Name))
		}
	}
	if !names[schema.MainWorkflow] {
		result.AddError("workflows", schema.ErrCodeValidation, "task has no main workflow")
	}

	for i, wf := range task.Workflows {
		for j, step := range wf.Steps {
			path := fmt.Sprintf("workflows[%d].steps[%d]", i, j)
			walkSteps(step, path, func(s schema.Step, path string) {
				validateStepSemantic(s, path, names, result)
			})
		}
	}
	return result
}

func validateStepSemantic(step schema.Step, path string, workflows map[string]bool, result *schema.ValidationResult) {
	if step == nil {
		result.AddError(path, schema.ErrCodeValidation, "step is empty")
		return
	}

	switch s := step.(type) {
	case *schema.YieldStep:
		if !workflows[s.Workflow] {
			result.AddError(path+".workflow", schema.ErrCodeValidation,
				fmt.Sprintf("yields to non-existent workflow %q", s.Workflow))
		}
	case *schema.SleepStep:
		if s.Sleep.TotalSeconds() <= 0 {
			result.AddError(path+".sleep", schema.ErrCodeValidation,
				"sleep duration must be greater than 0")
		}
	case *schema.SwitchStep:
		for i, c := range s.Switch {
			if c.Case == wildcardCase && i < len(s.Switch)-1 {
				result.AddWarning(fmt.Sprintf("%s.switch[%d]", path, i), schema.ErrCodeValidation,
					fmt.Sprintf("cases after the wildcard are unreachable (%d ignored)", len(s.Switch)-1-i))
				break
			}
		}
	case *schema.ForeachStep:
		if s.Foreach.Do == nil {
			result.AddError(path+".foreach.do", schema.ErrCodeValidation, "foreach has no body")
		}
	case *schema.MapReduceStep:
		if s.Map == nil {
			result.AddError(path+".map", schema.ErrCodeValidation, "map_reduce has no map step")
		}
	case *schema.IfElseStep:
		if s.Then == nil {
			result.AddError(path+".then", schema.ErrCodeValidation, "if_else has no then step")
		}
	}

	switch {
	case step.Kind() == schema.KindToolCall:
		result.AddWarning(path, schema.ErrCodeUnsupportedStep,
			"tool_call steps fail unless a tool provider is configured")
	case unimplemented[step.Kind()]:
		result.AddWarning(path, schema.ErrCodeUnsupportedStep,
			fmt.Sprintf("%s steps are not implemented; execution fails when one is reached", step.Kind()))
	}
}

// walkSteps calls fn for step and every step nested inside it.
func walkSteps(step schema.Step, path string, fn func(schema.Step, string)) {
	fn(step, path)
	switch s := step.(type) {
	case *schema.IfElseStep:
		if s.Then != nil {
			walkSteps(s.Then, path+".then", fn)
		}
		if s.Else != nil {
			walkSteps(s.Else, path+".else", fn)
		}
	case *schema.SwitchStep:
		for i, c := range s.Switch {
			if c.Then != nil {
				walkSteps(c.Then, fmt.Sprintf("%s.switch[%d].then", path, i), fn)
			}
		}
	case *schema.ForeachStep:
		if s.Foreach.Do != nil {
			walkSteps(s.Foreach.Do, path+".foreach.do", fn)
		}
	case *schema.MapReduceStep:
		if s.Map != nil {
			walkSteps(s.Map, path+".map", fn)
		}
	case *schema.ParallelStep:
		for i, p := range s.Parallel {
			if p != nil {
				walkSteps(p, fmt.Sprintf("%s.parallel[%d]", path, i), fn)
			}
		}
	}
}
