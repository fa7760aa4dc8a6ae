package mcp

import "sync"

// SessionRegistry maps caller IDs to MCP session IDs. Populated
// automatically when callers include caller_id in a tool call.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // callerID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a caller ID with a session ID. A caller that already
// has a session is overwritten (reconnect).
func (r *SessionRegistry) Register(callerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[callerID] = sessionID
}

// SessionFor returns the session ID for the given caller, if connected.
func (r *SessionRegistry) SessionFor(callerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[callerID]
	return sid, ok
}

// Remove deletes all caller mappings for the given session ID. Called when
// a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}

// executionWatch tracks which caller submitted which execution so lifecycle
// events can be pushed back to them.
type executionWatch struct {
	mu      sync.RWMutex
	callers map[string]string // executionID → callerID
}

func newExecutionWatch() *executionWatch {
	return &executionWatch{callers: make(map[string]string)}
}

func (w *executionWatch) Track(executionID, callerID string) {
	if executionID == "" || callerID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callers[executionID] = callerID
}

func (w *executionWatch) CallerFor(executionID string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cid, ok := w.callers[executionID]
	return cid, ok
}
