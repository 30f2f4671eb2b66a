package engine

import (
	"context"
	"log/slog"

	"github.com/dhanush-chevuri/julep/internal/expressions"
	"github.com/dhanush-chevuri/julep/internal/logging"
	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Recorder turns partial transitions into persisted ones. It is the only
// path by which execution progress becomes durable.
type Recorder struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil hub discards events.
func NewRecorder(s store.Store, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, hub: hub, logger: logger}
}

// Record fills the defaults of p and persists it for exec at sc's cursor.
//
// An empty type is "step". A missing next target is filled for step-like
// types: init and init_branch point at the current cursor; step and resume
// point at the following step. A step at the end of its workflow becomes
// finish (main) or finish_branch; a resume at the end is followed by a
// finish record carrying the same output, which is returned.
func (r *Recorder) Record(ctx context.Context, exec *store.Execution, sc *schema.StepContext, p schema.PartialTransition) (*schema.Transition, error) {
	output, err := expressions.Normalize(p.Output)
	if err != nil {
		return nil, err
	}
	t := &schema.Transition{
		ExecutionID: exec.ID,
		LineageID:   exec.LineageID,
		Type:        p.Type,
		Current:     sc.Cursor,
		Next:        p.Next,
		Output:      output,
		Metadata:    p.Metadata,
	}
	if t.Type == "" {
		t.Type = schema.TransitionStep
	}

	finishAfter := false
	if t.Next == nil {
		switch t.Type {
		case schema.TransitionInit, schema.TransitionInitBranch:
			cursor := sc.Cursor
			t.Next = &cursor
		case schema.TransitionStep:
			if t.Next = sc.Following(); t.Next == nil {
				t.Type = FinishType(sc)
			}
		case schema.TransitionResume:
			if t.Next = sc.Following(); t.Next == nil {
				finishAfter = true
			}
		}
	}

	if err := r.append(ctx, t); err != nil {
		return nil, err
	}
	if !finishAfter {
		return t, nil
	}

	fin := &schema.Transition{
		ExecutionID: exec.ID,
		LineageID:   exec.LineageID,
		Type:        FinishType(sc),
		Current:     sc.Cursor,
		Output:      output,
	}
	if err := r.append(ctx, fin); err != nil {
		return nil, err
	}
	return fin, nil
}

func (r *Recorder) append(ctx context.Context, t *schema.Transition) error {
	if err := r.store.AppendTransition(ctx, t); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record %s transition: %s", t.Type, err.Error()).WithCause(err)
	}

	logging.LogWith(ctx, r.logger).Debug("transition recorded",
		slog.String("type", string(t.Type)),
		slog.String("current", t.Current.String()),
		slog.Int64("sequence", t.Sequence))

	_ = r.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: t.ExecutionID,
		LineageID:   t.LineageID,
		Cursor:      t.Current.String(),
		EventType:   schema.EventTransition,
		Sequence:    t.Sequence,
		Payload:     t,
	})
	return nil
}

// FinishType is finish in the main workflow and finish_branch elsewhere.
func FinishType(sc *schema.StepContext) schema.TransitionType {
	if sc.IsMain() {
		return schema.TransitionFinish
	}
	return schema.TransitionFinishBranch
}
