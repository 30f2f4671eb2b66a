package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// LibSQLStore is the durable Store, backed by an embedded libSQL file.
type LibSQLStore struct {
	db *sql.DB
}

// sessionPragmas tune the single connection for a local, write-heavy log.
// Several of them answer with a row, so each is run as a query.
var sessionPragmas = []string{
	"journal_mode=WAL",
	"synchronous=NORMAL",
	"busy_timeout=5000",
	"foreign_keys=ON",
	"temp_store=MEMORY",
}

// NewLibSQLStore opens dsn, a libSQL file URI such as "file:/var/lib/julep.db".
// Call Migrate before first use.
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql %s: %w", dsn, err)
	}
	// SQLite allows one writer; a single connection serializes the
	// per-lineage sequence allocation too.
	db.SetMaxOpenConns(1)
	for _, pragma := range sessionPragmas {
		var ignored any
		_ = db.QueryRow("PRAGMA " + pragma).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

const executionColumns = `id, parent_id, lineage_id, task_id, input, start_workflow, start_step, status, output, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal execution input: %w", err)
	}
	now := time.Now().UTC()
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.ParentID), exec.LineageID, nullStr(exec.TaskID), string(input),
		exec.Start.Workflow, exec.Start.Step, string(exec.Status), nullRaw(exec.Output), nullRaw(exec.Error),
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var p patch
	if update.Status != nil {
		p.set("status", string(*update.Status))
	}
	if update.Output != nil {
		p.set("output", string(update.Output))
	}
	if update.Error != nil {
		p.set("error", string(update.Error))
	}
	if update.StartedAt != nil {
		p.set("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		p.set("completed_at", *update.CompletedAt)
	}
	if p.empty() {
		return nil
	}
	p.set("updated_at", time.Now().UTC())
	return p.exec(ctx, s.db, "executions", "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var c conds
	statuses := make([]any, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	c.in("status", statuses)
	if filter.LineageID != "" {
		c.add("lineage_id = ?", filter.LineageID)
	}
	if filter.ParentID != "" {
		c.add("parent_id = ?", filter.ParentID)
	}
	if filter.RootsOnly {
		c.add("parent_id IS NULL")
	}
	query := c.selectSQL("SELECT "+executionColumns+" FROM executions", "created_at ASC, id ASC", filter.Limit)
	return queryAll(ctx, s.db, scanExecution, query, c.args...)
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		parentID, taskID       sql.NullString
		inputJSON, status      string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&exec.ID, &parentID, &exec.LineageID, &taskID, &inputJSON,
		&exec.Start.Workflow, &exec.Start.Step, &status, &outputJSON, &errorJSON,
		&exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.ParentID = parentID.String
	exec.TaskID = taskID.String
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(inputJSON), &exec.Input); err != nil {
		return nil, fmt.Errorf("unmarshal execution input: %w", err)
	}
	exec.Output = rawOrNil(outputJSON)
	exec.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Transitions ---

const transitionColumns = `id, execution_id, lineage_id, sequence, type, current_workflow, current_step, next_workflow, next_step, output, metadata, created_at`

// AppendTransition assigns the next per-lineage sequence number and persists t.
func (s *LibSQLStore) AppendTransition(ctx context.Context, t *schema.Transition) error {
	output, err := json.Marshal(t.Output)
	if err != nil {
		return fmt.Errorf("marshal transition output: %w", err)
	}
	metadata, err := marshalMapOrNil(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transitions WHERE lineage_id = ?`, t.LineageID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)

	var nextWorkflow, nextStep any
	if t.Next != nil {
		nextWorkflow, nextStep = t.Next.Workflow, t.Next.Step
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionID, t.LineageID, seq, string(t.Type), t.Current.Workflow, t.Current.Step,
		nextWorkflow, nextStep, string(output), metadata, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	t.Sequence = seq
	return nil
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, filter TransitionFilter) ([]*schema.Transition, error) {
	var c conds
	if filter.LineageID != "" {
		c.add("lineage_id = ?", filter.LineageID)
	}
	if filter.ExecutionID != "" {
		c.add("execution_id = ?", filter.ExecutionID)
	}
	if filter.Since > 0 {
		c.add("sequence > ?", filter.Since)
	}
	query := c.selectSQL("SELECT "+transitionColumns+" FROM transitions", "lineage_id ASC, sequence ASC", filter.Limit)
	return queryAll(ctx, s.db, scanTransition, query, c.args...)
}

func scanTransition(row rowScanner) (*schema.Transition, error) {
	t := &schema.Transition{}
	var (
		typ                  string
		nextWorkflow         sql.NullString
		nextStep             sql.NullInt64
		outputJSON, metadata sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.LineageID, &t.Sequence, &typ,
		&t.Current.Workflow, &t.Current.Step, &nextWorkflow, &nextStep,
		&outputJSON, &metadata, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = schema.TransitionType(typ)
	if nextWorkflow.Valid {
		t.Next = &schema.TransitionTarget{Workflow: nextWorkflow.String, Step: int(nextStep.Int64)}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &t.Output); err != nil {
			return nil, fmt.Errorf("unmarshal transition output: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal transition metadata: %w", err)
		}
	}
	return t, nil
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	inputs, err := json.Marshal(cp.Inputs)
	if err != nil {
		return fmt.Errorf("marshal checkpoint inputs: %w", err)
	}
	state, err := marshalMapOrDefault(cp.UserState)
	if err != nil {
		return fmt.Errorf("marshal checkpoint user_state: %w", err)
	}
	cp.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (execution_id, cursor_workflow, cursor_step, inputs, user_state, started, timer_deadline, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   cursor_workflow=excluded.cursor_workflow, cursor_step=excluded.cursor_step,
		   inputs=excluded.inputs, user_state=excluded.user_state, started=excluded.started,
		   timer_deadline=excluded.timer_deadline, updated_at=excluded.updated_at`,
		cp.ExecutionID, cp.Cursor.Workflow, cp.Cursor.Step, string(inputs), string(state),
		boolToInt(cp.Started), nullTime(cp.TimerDeadline), cp.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	cp := &Checkpoint{ExecutionID: executionID}
	var (
		inputsJSON, stateJSON string
		started               int
		deadline              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_workflow, cursor_step, inputs, user_state, started, timer_deadline, updated_at
		 FROM checkpoints WHERE execution_id = ?`, executionID,
	).Scan(&cp.Cursor.Workflow, &cp.Cursor.Step, &inputsJSON, &stateJSON, &started, &deadline, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("checkpoint", executionID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputsJSON), &cp.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.UserState); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint user_state: %w", err)
	}
	cp.Started = started != 0
	if deadline.Valid {
		cp.TimerDeadline = &deadline.Time
	}
	return cp, nil
}

// --- Tasks ---

func (s *LibSQLStore) PutTask(ctx context.Context, task *schema.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	def, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at`,
		task.ID, task.Name, string(def), now, now,
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT definition FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context) ([]*schema.Task, error) {
	return queryAll(ctx, s.db, scanTask, `SELECT definition FROM tasks ORDER BY name ASC, id ASC`)
}

func scanTask(row rowScanner) (*schema.Task, error) {
	var def string
	if err := row.Scan(&def); err != nil {
		return nil, err
	}
	task := &schema.Task{}
	if err := json.Unmarshal([]byte(def), task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, nil
}

// --- Scheduled Jobs ---

const jobColumns = `id, task_id, cron_expression, arguments, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	args, err := marshalMapOrNil(job.Arguments)
	if err != nil {
		return fmt.Errorf("marshal job arguments: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TaskID, job.CronExpression, args, boolToInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var p patch
	if update.Enabled != nil {
		p.set("enabled", boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		p.set("last_run_at", *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		p.set("next_run_at", *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		p.set("last_run_status", update.LastRunStatus)
	}
	if p.empty() {
		return nil
	}
	return p.exec(ctx, s.db, "scheduled_jobs", "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var c conds
	if filter.Enabled != nil {
		c.add("enabled = ?", boolToInt(*filter.Enabled))
	}
	if filter.TaskID != "" {
		c.add("task_id = ?", filter.TaskID)
	}
	query := c.selectSQL("SELECT "+jobColumns+" FROM scheduled_jobs", "created_at ASC, id ASC", filter.Limit)
	return queryAll(ctx, s.db, scanJob, query, c.args...)
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		argsJSON, lastStatus sql.NullString
		enabled              int
		lastRun, nextRun     sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.TaskID, &job.CronExpression, &argsJSON, &enabled,
		&lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if argsJSON.Valid && argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &job.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal job arguments: %w", err)
		}
	}
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TaskError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
