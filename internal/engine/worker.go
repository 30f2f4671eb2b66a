package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of worker pool counters. Failed includes
// panicked runs.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many root executions run at once. Nested
// executions run on their root's goroutine and take no extra slot.
type WorkerPool struct {
	slots    chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger

	// gate orders Submit's registration against Shutdown's wait.
	gate     sync.RWMutex
	stopped  bool
	inflight sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:    make(chan struct{}, size),
		stopping: make(chan struct{}),
		logger:   logger,
	}
}

// Submit starts fn on its own goroutine once a slot is free, blocking
// until then. fn gets a context detached from ctx's cancellation: the
// submitter's context only bounds the wait for a slot.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	select {
	case <-p.stopping:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrPoolShutdown
	}

	p.gate.RLock()
	if p.stopped {
		p.gate.RUnlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.gate.RUnlock()

	p.active.Add(1)
	go p.run(context.WithoutCancel(ctx), name, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		p.active.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()

	err := p.call(ctx, name, fn)
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.ErrorContext(ctx, "worker panicked", "work", name, "panic", r)
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() { p.inflight.Wait() }

// Shutdown rejects new work, then waits for running work. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopping)
		p.gate.Lock()
		p.stopped = true
		p.gate.Unlock()
	})
	p.inflight.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
