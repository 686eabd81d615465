package mcp

import "sync"

// SessionRegistry maps correlation IDs to MCP session IDs.
// Populated when an agent submits a run asynchronously, so the terminal
// outcome can be pushed back to the session that started it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // correlationID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a run with a session ID.
func (r *SessionRegistry) Register(correlationID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[correlationID] = sessionID
}

// SessionFor returns the session ID that submitted the given run, if any.
func (r *SessionRegistry) SessionFor(correlationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[correlationID]
	return sid, ok
}

// Forget drops the mapping for a finished run.
func (r *SessionRegistry) Forget(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, correlationID)
}

// Remove deletes all run mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}
