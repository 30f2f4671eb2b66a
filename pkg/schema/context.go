package schema

// StepContext is the execution input, the outputs of every completed step
// (index 0 holds the original arguments) and the cursor of the current step.
type StepContext struct {
	ExecutionInput ExecutionInput   `json:"execution_input"`
	Inputs         []any            `json:"inputs"`
	Cursor         TransitionTarget `json:"cursor"`
	UserState      map[string]any   `json:"user_state,omitempty"`
}

// NewStepContext prepares a context. Empty inputs default to the original
// arguments.
func NewStepContext(in ExecutionInput, cursor TransitionTarget, inputs []any) *StepContext {
	if len(inputs) == 0 {
		inputs = []any{in.Arguments}
	}
	return &StepContext{ExecutionInput: in, Inputs: inputs, Cursor: cursor}
}

// CurrentStep resolves the cursor. It fails if the cursor does not name an
// existing step.
func (c *StepContext) CurrentStep() (Step, error) {
	if c.ExecutionInput.Task == nil {
		return nil, NewError(ErrCodeValidation, "execution input has no task")
	}
	return c.ExecutionInput.Task.Resolve(c.Cursor)
}

// CurrentInput is the output of the most recently completed step.
func (c *StepContext) CurrentInput() any {
	if len(c.Inputs) == 0 {
		return nil
	}
	return c.Inputs[len(c.Inputs)-1]
}

// Outputs returns the outputs of completed steps, excluding the arguments.
func (c *StepContext) Outputs() []any {
	if len(c.Inputs) <= 1 {
		return []any{}
	}
	return c.Inputs[1:]
}

// IsFirstStep reports whether the cursor is at step 0.
func (c *StepContext) IsFirstStep() bool {
	return c.Cursor.Step == 0
}

// IsMain reports whether the cursor is in the main workflow.
func (c *StepContext) IsMain() bool {
	return c.Cursor.Workflow == MainWorkflow
}

// Following returns the target after the cursor in the same workflow, or
// nil if the cursor is at the last step.
func (c *StepContext) Following() *TransitionTarget {
	wf, ok := c.ExecutionInput.Task.Workflow(c.Cursor.Workflow)
	if !ok || c.Cursor.Step+1 >= len(wf.Steps) {
		return nil
	}
	return &TransitionTarget{Workflow: c.Cursor.Workflow, Step: c.Cursor.Step + 1}
}

// Advance derives the context of the next step from a recorded transition.
// The receiver is not modified.
func (c *StepContext) Advance(t *Transition) (*StepContext, error) {
	if t.Next == nil {
		return nil, NewErrorf(ErrCodeValidation, "no next step after %s transition at %s", t.Type, c.Cursor)
	}
	inputs := make([]any, len(c.Inputs), len(c.Inputs)+1)
	copy(inputs, c.Inputs)
	next := &StepContext{
		ExecutionInput: c.ExecutionInput,
		Inputs:         append(inputs, t.Output),
		Cursor:         *t.Next,
		UserState:      c.UserState,
	}
	if _, err := next.CurrentStep(); err != nil {
		return nil, err
	}
	return next, nil
}
