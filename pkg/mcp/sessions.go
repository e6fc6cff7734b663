package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps MCP session IDs to the plan each session watches.
// Populated when a session opens, drafts or views a plan.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // sessionID → planID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register records that a session watches planID, replacing any earlier plan.
func (r *SessionRegistry) Register(sessionID, planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = planID
}

// PlanFor returns the plan a session watches.
func (r *SessionRegistry) PlanFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.sessions[sessionID]
	return pid, ok
}

// SessionsFor returns the sessions watching planID in sorted order.
func (r *SessionRegistry) SessionsFor(planID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for sid, pid := range r.sessions {
		if pid == planID {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}

// Remove forgets a session. Called when it disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
