package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry remembers which MCP session started each root execution
// so progress notifications reach only that client.
type SessionRegistry struct {
	mu          sync.RWMutex
	byExecution map[string]string
	bySession   map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byExecution: make(map[string]string),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Register ties executionID to sessionID, replacing an earlier owner.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
	r.byExecution[executionID] = sessionID
	owned := r.bySession[sessionID]
	if owned == nil {
		owned = make(map[string]struct{})
		r.bySession[sessionID] = owned
	}
	owned[executionID] = struct{}{}
}

func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byExecution[executionID]
	return sid, ok
}

// Forget drops one execution, typically once it has finished.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(executionID)
}

func (r *SessionRegistry) unlink(executionID string) {
	sid, ok := r.byExecution[executionID]
	if !ok {
		return
	}
	delete(r.byExecution, executionID)
	delete(r.bySession[sid], executionID)
	if len(r.bySession[sid]) == 0 {
		delete(r.bySession, sid)
	}
}

// Remove drops a disconnected session and returns the executions it
// owned, sorted.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.bySession[sessionID]
	delete(r.bySession, sessionID)

	ids := make([]string, 0, len(owned))
	for id := range owned {
		delete(r.byExecution, id)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len is the number of executions with an owning session.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExecution)
}
