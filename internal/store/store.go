// Package store persists tasks, executions, their transition log,
// continuation checkpoints and cron schedules.
package store

import (
	"context"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Executions holds one row per root or nested execution.
type Executions interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// TransitionLog is append-only. Sequence numbers are assigned per lineage.
type TransitionLog interface {
	AppendTransition(ctx context.Context, t *schema.Transition) error
	ListTransitions(ctx context.Context, filter TransitionFilter) ([]*schema.Transition, error)
}

// Checkpoints keeps the latest continuation record of each execution.
type Checkpoints interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)
}

type Tasks interface {
	PutTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	ListTasks(ctx context.Context) ([]*schema.Task, error)
}

type Schedules interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store is the full persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	Executions
	TransitionLog
	Checkpoints
	Tasks
	Schedules

	Migrate(ctx context.Context) error
	Close() error
}
