package store

import (
	"context"
	"fmt"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// TransitionLog is a read/append view of one lineage's transition log.
type TransitionLog struct {
	store     Store
	lineageID string
}

// NewTransitionLog returns a log bound to lineageID.
func NewTransitionLog(s Store, lineageID string) *TransitionLog {
	return &TransitionLog{store: s, lineageID: lineageID}
}

// Append records t under the log's lineage.
func (l *TransitionLog) Append(ctx context.Context, t *schema.Transition) error {
	t.LineageID = l.lineageID
	return l.store.AppendTransition(ctx, t)
}

// Replay returns the full log in sequence order. It fails if the sequence
// numbers are not contiguous from 1.
func (l *TransitionLog) Replay(ctx context.Context) ([]*schema.Transition, error) {
	ts, err := l.store.ListTransitions(ctx, TransitionFilter{LineageID: l.lineageID})
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	for i, t := range ts {
		if t.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"transition log for %s has a gap: expected sequence %d, got %d", l.lineageID, i+1, t.Sequence)
		}
	}
	return ts, nil
}

// Last returns the most recent transition recorded by executionID, or nil
// if it has recorded none.
func (l *TransitionLog) Last(ctx context.Context, executionID string) (*schema.Transition, error) {
	ts, err := l.store.ListTransitions(ctx, TransitionFilter{LineageID: l.lineageID, ExecutionID: executionID})
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	if len(ts) == 0 {
		return nil, nil
	}
	return ts[len(ts)-1], nil
}
