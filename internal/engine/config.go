package engine

import (
	"log/slog"
	"time"

	"github.com/dhanush-chevuri/julep/internal/streaming"
)

// Defaults applied by ExecutorConfig.withDefaults.
const (
	DefaultPoolSize        = 10
	DefaultActivityTimeout = 600 * time.Second
	TestingActivityTimeout = 3 * time.Second
	DefaultReduceTimeout   = 2 * time.Second
	DefaultWaitTimeout     = 31 * 24 * time.Hour
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize int // max concurrently running root executions
	// Testing shortens the default activity timeout.
	Testing         bool
	ActivityTimeout time.Duration
	ReduceTimeout   time.Duration
	WaitTimeout     time.Duration
	Clock           Clock
	Hub             streaming.EventHub
	Logger          *slog.Logger
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = DefaultActivityTimeout
		if c.Testing {
			c.ActivityTimeout = TestingActivityTimeout
		}
	}
	if c.ReduceTimeout <= 0 {
		c.ReduceTimeout = DefaultReduceTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Hub == nil {
		c.Hub = streaming.Nop{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
