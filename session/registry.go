package session

import "sync"

// Registry is the single source of truth for live tenant sessions. One handle
// per tenant; creation is atomic under concurrent connect calls.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the tenant's session, creating it with build on first
// use. The second return value reports whether the session already existed.
func (r *Registry) GetOrCreate(tenantID string, build func() *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok {
		return s, true
	}
	s := build()
	r.sessions[tenantID] = s
	return s, false
}

// Get returns the tenant's session or nil.
func (r *Registry) Get(tenantID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tenantID]
}

// Remove drops the tenant's registry entry.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tenantID)
}

// RemoveIf drops the entry only while it still holds the given handle, so a
// stale removal cannot evict a session created concurrently.
func (r *Registry) RemoveIf(tenantID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[tenantID] == s {
		delete(r.sessions, tenantID)
	}
}

// All snapshots the current handles, for shutdown.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
