package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MainWorkflow is the name of every task's entry workflow.
const MainWorkflow = "main"

// Workflow is a named, ordered sequence of steps.
type Workflow struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	var aux struct {
		Name  string          `json:"name"`
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var steps []Step
	if len(aux.Steps) > 0 && string(aux.Steps) != "null" {
		var err error
		if steps, err = UnmarshalSteps(aux.Steps); err != nil {
			return fmt.Errorf("workflow %q: %w", aux.Name, err)
		}
	}
	*w = Workflow{Name: aux.Name, Steps: steps}
	return nil
}

// Task is a named set of workflows. A runnable task always has "main".
type Task struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Workflows   []Workflow     `json:"workflows"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Workflow looks up a workflow by name.
func (t *Task) Workflow(name string) (*Workflow, bool) {
	if t == nil {
		return nil, false
	}
	for i := range t.Workflows {
		if t.Workflows[i].Name == name {
			return &t.Workflows[i], true
		}
	}
	return nil, false
}

// WorkflowNames returns all workflow names in definition order.
func (t *Task) WorkflowNames() []string {
	names := make([]string, 0, len(t.Workflows))
	for _, w := range t.Workflows {
		names = append(names, w.Name)
	}
	return names
}

// Branch returns a copy of the task whose workflows are replaced by a single
// workflow with the given name and steps. The receiver is not modified.
func (t *Task) Branch(name string, steps ...Step) *Task {
	cp := *t
	cp.Workflows = []Workflow{{Name: name, Steps: append([]Step(nil), steps...)}}
	return &cp
}

// Resolve returns the step at target, or a VALIDATION_ERROR if the target
// does not name an existing step.
func (t *Task) Resolve(target TransitionTarget) (Step, error) {
	wf, ok := t.Workflow(target.Workflow)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "workflow %q not found in task", target.Workflow).
			WithDetails(map[string]any{"cursor": target.String()})
	}
	if target.Step < 0 || target.Step >= len(wf.Steps) {
		return nil, NewErrorf(ErrCodeValidation, "step %d out of range for workflow %q (%d steps)",
			target.Step, target.Workflow, len(wf.Steps)).
			WithDetails(map[string]any{"cursor": target.String()})
	}
	return wf.Steps[target.Step], nil
}

// TransitionTarget identifies a step by workflow name and index.
type TransitionTarget struct {
	Workflow string `json:"workflow"`
	Step     int    `json:"step"`
}

func (t TransitionTarget) String() string {
	return fmt.Sprintf("%s.%d", t.Workflow, t.Step)
}

// ExecutionInput is the task plus the arguments of one invocation.
// Treat it as immutable: use WithTask to derive a modified copy.
type ExecutionInput struct {
	Task      *Task          `json:"task"`
	Arguments map[string]any `json:"arguments"`
}

// WithTask returns a copy of the input carrying a different task.
func (in ExecutionInput) WithTask(task *Task) ExecutionInput {
	in.Task = task
	return in
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
