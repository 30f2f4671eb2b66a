package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietPool(size int) *WorkerPool {
	return NewWorkerPool(size, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func noop(context.Context) error { return nil }

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := quietPool(3)
	defer pool.Shutdown()

	var running, peak atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), "exec", func(context.Context) error {
			n := running.Add(1)
			for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Positive(t, peak.Load())
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_SubmitWaitsForSlot(t *testing.T) {
	pool := quietPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "first", func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, "second", noop), context.DeadlineExceeded)

	queued := make(chan error, 1)
	go func() { queued <- pool.Submit(context.Background(), "third", noop) }()
	close(release)

	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit stayed blocked after the slot was freed")
	}
	pool.Wait()
	assert.Equal(t, int64(2), pool.Metrics().Completed)
}

func TestWorkerPool_WorkIgnoresSubmitCancellation(t *testing.T) {
	pool := quietPool(1)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan error, 1)
	require.NoError(t, pool.Submit(ctx, "exec", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		seen <- ctx.Err()
		return nil
	}))
	cancel()
	pool.Wait()
	assert.NoError(t, <-seen)
}

func TestWorkerPool_FailuresAndPanics(t *testing.T) {
	var logs bytes.Buffer
	pool := NewWorkerPool(2, slog.New(slog.NewTextHandler(&logs, nil)))
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "exec-panic", func(context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), "exec-fail", func(context.Context) error { return errors.New("failed") }))
	require.NoError(t, pool.Submit(context.Background(), "exec-ok", noop))
	pool.Wait()

	assert.Equal(t, PoolMetrics{Completed: 1, Failed: 2, Panics: 1}, pool.Metrics())
	assert.Contains(t, logs.String(), "work=exec-panic")
	assert.Contains(t, logs.String(), "panic=boom")
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := quietPool(2)

	var done atomic.Int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), "exec", func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(4), done.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), "late", noop), ErrPoolShutdown)
}
