package store

import (
	"encoding/json"
	"time"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// Execution is the persisted record of one (sub)execution. Root executions
// have an empty ParentID and LineageID == ID.
type Execution struct {
	ID          string                  `json:"id"`
	ParentID    string                  `json:"parent_id,omitempty"`
	LineageID   string                  `json:"lineage_id"`
	TaskID      string                  `json:"task_id,omitempty"`
	Input       schema.ExecutionInput   `json:"input"`
	Start       schema.TransitionTarget `json:"start"`
	Status      schema.ExecutionStatus  `json:"status"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// IsRoot reports whether the execution was started by a client rather than
// spawned by another execution.
func (e *Execution) IsRoot() bool { return e.ParentID == "" }

// Checkpoint is the continuation record of an execution: everything needed
// to resume it at Cursor after a crash.
type Checkpoint struct {
	ExecutionID string                  `json:"execution_id"`
	Cursor      schema.TransitionTarget `json:"cursor"`
	Inputs      []any                   `json:"inputs"`
	UserState   map[string]any          `json:"user_state"`
	// Started is set once the init transition of the execution is recorded.
	Started bool `json:"started"`
	// TimerDeadline is the wake-up time of a sleep in progress at Cursor.
	TimerDeadline *time.Time `json:"timer_deadline,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ScheduledJob is a cron-triggered task execution.
type ScheduledJob struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	CronExpression string         `json:"cron_expression"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Statuses  []schema.ExecutionStatus `json:"statuses,omitempty"`
	LineageID string                   `json:"lineage_id,omitempty"`
	ParentID  string                   `json:"parent_id,omitempty"`
	RootsOnly bool                     `json:"roots_only,omitempty"`
	Limit     int                      `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// TransitionFilter specifies criteria for listing transitions.
type TransitionFilter struct {
	LineageID   string `json:"lineage_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	// Since excludes transitions with a sequence number <= Since.
	Since int64 `json:"since,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
