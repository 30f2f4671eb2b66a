package schema

import "time"

// TransitionType classifies a recorded transition.
type TransitionType string

const (
	TransitionInit         TransitionType = "init"
	TransitionInitBranch   TransitionType = "init_branch"
	TransitionFinish       TransitionType = "finish"
	TransitionFinishBranch TransitionType = "finish_branch"
	TransitionError        TransitionType = "error"
	TransitionWait         TransitionType = "wait"
	TransitionResume       TransitionType = "resume"
	TransitionCancelled    TransitionType = "cancelled"
	TransitionStep         TransitionType = "step"
)

// Ends reports whether the interpreter loop returns after recording t.
// An error transition also ends a lineage, but the loop surfaces it as a
// failure instead of returning normally.
func (t TransitionType) Ends() bool {
	switch t {
	case TransitionFinish, TransitionFinishBranch, TransitionCancelled:
		return true
	}
	return false
}

// Terminal reports whether t is one of the four lineage-ending types.
func (t TransitionType) Terminal() bool {
	return t.Ends() || t == TransitionError
}

// Transition is an immutable record of moving from one step to the next,
// or to termination.
type Transition struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	LineageID   string            `json:"lineage_id"`
	Sequence    int64             `json:"sequence"`
	Type        TransitionType    `json:"type"`
	Current     TransitionTarget  `json:"current"`
	Next        *TransitionTarget `json:"next,omitempty"`
	Output      any               `json:"output"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// PartialTransition is a transition before the recorder fills in defaults.
// An empty Type means TransitionStep; a nil Next means "the following step".
type PartialTransition struct {
	Type     TransitionType    `json:"type,omitempty"`
	Output   any               `json:"output"`
	Next     *TransitionTarget `json:"next,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// TransitionDirective is an explicit (type, next) pair chosen by a unit of work.
type TransitionDirective struct {
	Type TransitionType   `json:"type"`
	Next TransitionTarget `json:"next"`
}

// StepOutcome is the result of a step's unit of work. Error and Output are
// mutually exclusive.
type StepOutcome struct {
	Output       any                  `json:"output,omitempty"`
	Error        string               `json:"error,omitempty"`
	TransitionTo *TransitionDirective `json:"transition_to,omitempty"`
}
