package mcp

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/internal/streaming"
	"github.com/dhanush-chevuri/julep/pkg/schema"
)

type sent struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{sessionID: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func rootEvent(id, eventType string) streaming.StreamEvent {
	return streaming.StreamEvent{ExecutionID: id, LineageID: id, EventType: eventType}
}

func TestNotifier_Notify(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	n := NewNotifier(sender, sessions, slog.Default())

	require.NoError(t, n.Notify(rootEvent("exec-1", schema.EventExecutionStarted)))
	require.Equal(t, 1, sender.count())
	got := sender.sent[0]
	assert.Equal(t, "session-1", got.sessionID)
	assert.Equal(t, notificationMethod, got.method)
	data := got.params["data"].(map[string]any)
	assert.Equal(t, "exec-1", data["execution_id"])
	assert.Equal(t, schema.EventExecutionStarted, data["event"])

	// Nested executions and unwatched executions are skipped.
	require.NoError(t, n.Notify(streaming.StreamEvent{ExecutionID: "exec-1/child", LineageID: "exec-1", EventType: schema.EventExecutionStarted}))
	require.NoError(t, n.Notify(rootEvent("exec-2", schema.EventExecutionStarted)))
	assert.Equal(t, 1, sender.count())

	// A terminal event is delivered once, then the mapping is dropped.
	require.NoError(t, n.Notify(rootEvent("exec-1", schema.EventExecutionSucceeded)))
	assert.Equal(t, 2, sender.count())
	_, ok := sessions.SessionFor("exec-1")
	assert.False(t, ok)
}

func TestNotifier_SessionGone(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	sessions.Register("exec-2", "session-1")
	n := NewNotifier(sender, sessions, slog.Default())

	require.NoError(t, n.Notify(rootEvent("exec-1", schema.EventExecutionWaiting)))
	assert.Equal(t, 0, sessions.Len())
}

func TestNotifier_Watch(t *testing.T) {
	hub := streaming.NewMemoryHub()
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("exec-1", "session-1")
	n := NewNotifier(sender, sessions, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Watch(ctx, hub))

	require.NoError(t, hub.Publish(ctx, rootEvent("exec-1", schema.EventTransition)))
	require.NoError(t, hub.Publish(ctx, rootEvent("exec-1", schema.EventExecutionWaiting)))

	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
