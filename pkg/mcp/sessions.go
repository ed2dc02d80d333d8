package mcp

import (
	"maps"
	"sync"
)

// SessionRegistry tracks which MCP session each caller (agent_id) is on and
// which caller watches each execution.
type SessionRegistry struct {
	mu      sync.RWMutex
	callers map[string]string // agent ID -> session ID
	watches map[string]string // execution ID -> agent ID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		callers: map[string]string{},
		watches: map[string]string{},
	}
}

// Register binds agentID to sessionID. The latest session wins.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	r.callers[agentID] = sessionID
	r.mu.Unlock()
}

func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.callers[agentID]
	return sessionID, ok
}

// Remove drops every caller on sessionID. Watches are kept so a caller
// that reconnects under a new session still gets updates.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	maps.DeleteFunc(r.callers, func(_, sid string) bool { return sid == sessionID })
	r.mu.Unlock()
}

// Watch makes agentID the single watcher of executionID.
func (r *SessionRegistry) Watch(executionID, agentID string) {
	r.mu.Lock()
	r.watches[executionID] = agentID
	r.mu.Unlock()
}

func (r *SessionRegistry) WatcherOf(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.watches[executionID]
	return agentID, ok
}

func (r *SessionRegistry) Unwatch(executionID string) {
	r.mu.Lock()
	delete(r.watches, executionID)
	r.mu.Unlock()
}
