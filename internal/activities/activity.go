// Package activities implements the units of work run for steps that need a
// computation: expression evaluation, template rendering, condition and
// iterable evaluation, and the language-model prompt call.
package activities

import (
	"context"
	"sort"
	"sync"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Activity is the unit of work for one step kind. It receives the full step
// context and returns an outcome. Returning an error and returning an
// outcome with a non-empty Error are treated the same by the interpreter.
type Activity interface {
	Kind() schema.StepKind
	Execute(ctx context.Context, sc *schema.StepContext) (*schema.StepOutcome, error)
}

// Registry maps step kinds to activities. Thread-safe.
type Registry struct {
	mu         sync.RWMutex
	activities map[schema.StepKind]Activity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		activities: make(map[schema.StepKind]Activity),
	}
}

// Register adds an activity. Returns a CONFLICT error if the kind is taken.
func (r *Registry) Register(a Activity) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity is nil")
	}
	kind := a.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "activity kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity for %q already registered", kind)
	}
	r.activities[kind] = a
	return nil
}

// Replace registers a, overwriting any activity of the same kind.
func (r *Registry) Replace(a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[a.Kind()] = a
}

// Get returns the activity for kind, if any.
func (r *Registry) Get(kind schema.StepKind) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[kind]
	return a, ok
}

// Has reports whether an activity is registered for kind.
func (r *Registry) Has(kind schema.StepKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []schema.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]schema.StepKind, 0, len(r.activities))
	for k := range r.activities {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// currentStep resolves the cursor and checks it holds a step of type T.
func currentStep[T schema.Step](sc *schema.StepContext) (T, error) {
	var zero T
	step, err := sc.CurrentStep()
	if err != nil {
		return zero, err
	}
	typed, ok := step.(T)
	if !ok {
		return zero, schema.NewErrorf(schema.ErrCodeStepFailed,
			"activity received a %s step at %s", step.Kind(), sc.Cursor).WithStep(step.Kind())
	}
	return typed, nil
}
