package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// TransitionHook is called before or after a status change.
type TransitionHook func(executionID string, from, to schema.ExecutionStatus) error

type statusHookKey struct {
	from, to schema.ExecutionStatus
}

// StatusFSM validates execution status changes and publishes them.
// The caller is responsible for persisting the new status.
type StatusFSM struct {
	mu     sync.Mutex
	hub    streaming.EventHub
	before map[statusHookKey][]TransitionHook
	after  map[statusHookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM that publishes to hub.
func NewStatusFSM(hub streaming.EventHub) *StatusFSM {
	if hub == nil {
		hub = streaming.Nop{}
	}
	return &StatusFSM{
		hub:    hub,
		before: make(map[statusHookKey][]TransitionHook),
		after:  make(map[statusHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before from -> to. A hook error aborts the change.
func (f *StatusFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook run after from -> to.
func (f *StatusFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to for exec, runs hooks and publishes the
// matching event.
func (f *StatusFSM) Transition(ctx context.Context, executionID, lineageID string, from, to schema.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := statusHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(executionID, from, to); err != nil {
			return err
		}
	}

	if eventType := statusEventType(from, to); eventType != "" {
		// Events are best effort; a cancelled caller still changes status.
		_ = f.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			ExecutionID: executionID,
			LineageID:   lineageID,
			EventType:   eventType,
			Payload:     map[string]any{"from": string(from), "to": string(to)},
		})
	}

	for _, hook := range after {
		if err := hook(executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidStatusTransitions[from], to)
}

func statusEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionAwaitingInput {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionAwaitingInput:
		return schema.EventExecutionWaiting
	case schema.ExecutionSucceeded:
		return schema.EventExecutionSucceeded
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// ValidStatusTransitions defines the allowed execution status changes.
// running -> running is permitted so a crashed attempt can be resumed.
var ValidStatusTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionQueued:        {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:       {schema.ExecutionRunning, schema.ExecutionAwaitingInput, schema.ExecutionSucceeded, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionAwaitingInput: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionSucceeded:     {},
	schema.ExecutionFailed:        {},
	schema.ExecutionCancelled:     {},
}
