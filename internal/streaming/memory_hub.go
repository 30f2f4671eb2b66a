package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// MemoryHub fans events out over buffered channels. A subscriber that falls
// behind misses events rather than stalling the publisher.
type MemoryHub struct {
	buffer int

	mu      sync.RWMutex
	subs    []*subscription
	dropped atomic.Uint64
}

type subscription struct {
	filter EventFilter
	out    chan StreamEvent
	once   sync.Once
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{buffer: defaultChannelBuffer}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.filter.Match(event) && !s.offer(event) {
			h.dropped.Add(1)
		}
	}
	return nil
}

func (s *subscription) offer(event StreamEvent) bool {
	select {
	case s.out <- event:
		return true
	default:
		return false
	}
}

// Subscribe registers a filtered subscription. The returned func removes
// it and closes the channel; calling it again is a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s := &subscription{filter: filter, out: make(chan StreamEvent, h.buffer)}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()

	return s.out, func() { h.remove(s) }, nil
}

func (h *MemoryHub) remove(s *subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		h.subs = slices.DeleteFunc(h.subs, func(o *subscription) bool { return o == s })
		h.mu.Unlock()
		close(s.out)
	})
}

func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Match reports whether e passes every non-empty field of the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	switch {
	case f.ExecutionID != "" && f.ExecutionID != e.ExecutionID:
		return false
	case f.LineageID != "" && f.LineageID != e.LineageID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

var (
	_ EventHub = (*MemoryHub)(nil)
	_ EventHub = Nop{}
)
