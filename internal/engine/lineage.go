package engine

import (
	"context"
	"sync"

	"github.com/dhanush-chevuri/julep/internal/state"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// frame is one (sub)execution being interpreted.
type frame struct {
	exec   *store.Execution
	state  *state.UserState
	cp     *store.Checkpoint
	parent *frame
}

// lineage is the in-process handle of a running root execution and all of
// its nested executions. Frames form a stack: nested executions run
// strictly sequentially, so only the innermost frame is ever dispatching.
type lineage struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	input  chan any
	done   chan struct{}

	mu      sync.Mutex
	frames  []*frame
	waiting bool
	result  *ExecutionResult
}

func newLineage(id string) *lineage {
	ctx, cancel := context.WithCancel(context.Background())
	return &lineage{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		input:  make(chan any, 1),
		done:   make(chan struct{}),
	}
}

func (l *lineage) push(f *frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *lineage) pop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.frames); n > 0 {
		l.frames = l.frames[:n-1]
	}
}

// top returns the innermost active frame, or nil.
func (l *lineage) top() *frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.frames); n > 0 {
		return l.frames[n-1]
	}
	return nil
}

// find returns the active frame of executionID, or nil.
func (l *lineage) find(executionID string) *frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.frames {
		if f.exec.ID == executionID {
			return f
		}
	}
	return nil
}

// stack returns a copy of the active frames, outermost first.
func (l *lineage) stack() []*frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*frame(nil), l.frames...)
}

// expect opens the lineage for exactly one input.
func (l *lineage) expect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting = true
}

// deliver hands value to the pending WaitForInput. Input that arrives while
// no wait is pending, or after the pending wait already got its value, is
// rejected.
func (l *lineage) deliver(value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.waiting {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not waiting for input", l.id)
	}
	l.waiting = false
	l.input <- value
	return nil
}

// settle closes a wait that ended without reading its input. It returns
// a value delivered in the meantime, if any.
func (l *lineage) settle() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting = false
	select {
	case v := <-l.input:
		return v, true
	default:
		return nil, false
	}
}

func (l *lineage) finish(res *ExecutionResult) {
	l.mu.Lock()
	l.result = res
	l.mu.Unlock()
	l.cancel()
	close(l.done)
}
