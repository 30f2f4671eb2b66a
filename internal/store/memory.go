package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

// MemoryStore is an in-process Store. Values are held as JSON copies so that
// callers observe the same normalization LibSQLStore applies.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string][]byte
	transitions map[string][]*schema.Transition // lineage -> log
	checkpoints map[string][]byte
	tasks       map[string][]byte
	jobs        map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string][]byte),
		transitions: make(map[string][]*schema.Transition),
		checkpoints: make(map[string][]byte),
		tasks:       make(map[string][]byte),
		jobs:        make(map[string][]byte),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = time.Now().UTC()
	return putJSON(m.executions, exec.ID, exec)
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec := &Execution{}
	if err := getJSON(m.executions, id, exec); err != nil {
		return nil, storeNotFound("execution", id)
	}
	return exec, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := &Execution{}
	if err := getJSON(m.executions, id, exec); err != nil {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Output != nil {
		exec.Output = update.Output
	}
	if update.Error != nil {
		exec.Error = update.Error
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return putJSON(m.executions, id, exec)
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for id := range m.executions {
		exec := &Execution{}
		if err := getJSON(m.executions, id, exec); err != nil {
			return nil, err
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, exec.Status) {
			continue
		}
		if filter.LineageID != "" && exec.LineageID != filter.LineageID {
			continue
		}
		if filter.ParentID != "" && exec.ParentID != filter.ParentID {
			continue
		}
		if filter.RootsOnly && !exec.IsRoot() {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Transitions ---

func (m *MemoryStore) AppendTransition(_ context.Context, t *schema.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.Sequence = int64(len(m.transitions[t.LineageID]) + 1)

	cp := &schema.Transition{}
	if err := roundTrip(t, cp); err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	m.transitions[t.LineageID] = append(m.transitions[t.LineageID], cp)
	return nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, filter TransitionFilter) ([]*schema.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lineages := make([]string, 0, len(m.transitions))
	for id := range m.transitions {
		if filter.LineageID == "" || id == filter.LineageID {
			lineages = append(lineages, id)
		}
	}
	sort.Strings(lineages)

	var out []*schema.Transition
	for _, id := range lineages {
		for _, t := range m.transitions[id] {
			if filter.ExecutionID != "" && t.ExecutionID != filter.ExecutionID {
				continue
			}
			if t.Sequence <= filter.Since {
				continue
			}
			cp := &schema.Transition{}
			if err := roundTrip(t, cp); err != nil {
				return nil, err
			}
			out = append(out, cp)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// --- Checkpoints ---

func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	return putJSON(m.checkpoints, cp.ExecutionID, cp)
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, executionID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := &Checkpoint{}
	if err := getJSON(m.checkpoints, executionID, cp); err != nil {
		return nil, storeNotFound("checkpoint", executionID)
	}
	return cp, nil
}

// --- Tasks ---

func (m *MemoryStore) PutTask(_ context.Context, task *schema.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return putJSON(m.tasks, task.ID, task)
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task := &schema.Task{}
	if err := getJSON(m.tasks, id, task); err != nil {
		return nil, storeNotFound("task", id)
	}
	return task, nil
}

func (m *MemoryStore) ListTasks(context.Context) ([]*schema.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.Task
	for id := range m.tasks {
		task := &schema.Task{}
		if err := getJSON(m.tasks, id, task); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	return putJSON(m.jobs, job.ID, job)
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job := &ScheduledJob{}
	if err := getJSON(m.jobs, id, job); err != nil {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &ScheduledJob{}
	if err := getJSON(m.jobs, id, job); err != nil {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return putJSON(m.jobs, id, job)
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledJob
	for id := range m.jobs {
		job := &ScheduledJob{}
		if err := getJSON(m.jobs, id, job); err != nil {
			return nil, err
		}
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		if filter.TaskID != "" && job.TaskID != filter.TaskID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}

func putJSON(into map[string][]byte, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	into[key] = b
	return nil
}

func getJSON(from map[string][]byte, key string, v any) error {
	b, ok := from[key]
	if !ok {
		return fmt.Errorf("%s: not found", key)
	}
	return json.Unmarshal(b, v)
}

func roundTrip(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

var _ Store = (*MemoryStore)(nil)
