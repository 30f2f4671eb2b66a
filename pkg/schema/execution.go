package schema

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionQueued        ExecutionStatus = "queued"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionAwaitingInput ExecutionStatus = "awaiting_input"
	ExecutionSucceeded     ExecutionStatus = "succeeded"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionCancelled     ExecutionStatus = "cancelled"
)

// Done reports whether the status is final.
func (s ExecutionStatus) Done() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Event types published while executions run.
const (
	EventExecutionQueued    = "execution_queued"
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionSucceeded = "execution_succeeded"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventTransition         = "transition"
	EventUserStateChanged   = "user_state_changed"
)
