// Package scheduler starts stored tasks on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dhanush-chevuri/julep/internal/store"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// LastRunStatus values.
const (
	RunStarted = "started"
	RunFailed  = "error"
)

// DefaultInterval is how often the store is polled for due jobs.
const DefaultInterval = time.Minute

// TaskStarter queues a stored task. Satisfied by *engine.Executor.
type TaskStarter interface {
	StartTask(ctx context.Context, taskID string, args map[string]any) (string, error)
}

// JobStore is the part of store.Store the scheduler needs.
type JobStore interface {
	store.Schedules
	GetTask(ctx context.Context, id string) (*schema.Task, error)
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithNow replaces the clock, mostly for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls for due jobs and starts their tasks. Cron expressions
// take the five standard fields or a descriptor such as "@hourly".
type Scheduler struct {
	jobs     JobStore
	starter  TaskStarter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	lifecycle sync.Mutex
	stop      context.CancelFunc
	stopped   chan struct{}

	running sync.Map // job id -> struct{}, held while a job starts
}

func NewScheduler(jobs JobStore, starter TaskStarter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		jobs:     jobs,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With(slog.String("component", "scheduler")),
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextRun returns the first activation of cronExpr strictly after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err.Error()).
			WithCause(err)
	}
	return sched.Next(from), nil
}

// Schedule stores an enabled job for an existing task.
func (s *Scheduler) Schedule(ctx context.Context, taskID, cronExpr string, args map[string]any) (*store.ScheduledJob, error) {
	if _, err := s.jobs.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	next, err := s.NextRun(cronExpr, s.now())
	if err != nil {
		return nil, err
	}

	job := &store.ScheduledJob{TaskID: taskID, CronExpression: cronExpr, Arguments: args, Enabled: true, NextRunAt: &next}
	if err := s.jobs.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job scheduled",
		slog.String("job_id", job.ID), slog.String("task_id", taskID), slog.Time("next_run_at", next))
	return job, nil
}

// SetEnabled pauses or resumes a job. Resuming computes the next run from
// now, so activations missed while paused never fire.
func (s *Scheduler) SetEnabled(ctx context.Context, jobID string, enabled bool) error {
	job, err := s.jobs.GetScheduledJob(ctx, jobID)
	if err != nil {
		return err
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.NextRun(job.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.jobs.UpdateScheduledJob(ctx, jobID, update)
}

func (s *Scheduler) Unschedule(ctx context.Context, jobID string) error {
	return s.jobs.DeleteScheduledJob(ctx, jobID)
}

// Start runs a poll right away and then one per interval until Stop or
// until ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stop != nil {
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	ctx, s.stop = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	go s.poll(ctx, s.stopped)

	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop ends polling and waits for an in-progress poll.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.stopped
	s.stop, s.stopped = nil, nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) poll(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick starts every enabled job that is due and reports how many were
// processed without error. A job with no NextRunAt is due.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	ran := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if _, busy := s.running.LoadOrStore(job.ID, struct{}{}); busy {
			continue
		}
		err := s.fire(ctx, job, now)
		s.running.Delete(job.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "run scheduled job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		ran++
	}
	return ran
}

// fire starts the job's task, then moves NextRunAt forward whether or not
// the start succeeded. A task that cannot start is retried at its next
// activation, not on every poll.
func (s *Scheduler) fire(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("task_id", job.TaskID))

	status := RunStarted
	if execID, err := s.starter.StartTask(ctx, job.TaskID, job.Arguments); err != nil {
		status = RunFailed
		log.WarnContext(ctx, "scheduled task failed to start", slog.String("error", err.Error()))
	} else {
		log.InfoContext(ctx, "scheduled task started", slog.String("execution_id", execID))
	}

	next, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	return s.jobs.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}
