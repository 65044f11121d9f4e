// Package registry tracks the live session stores the daemon manages, one
// per authenticated principal.
package registry

import (
	"sync"

	"github.com/mxi-app/mxi-core/internal/session"
)

// Registry is a concurrency-safe map of principal id to session store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Store
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Store)}
}

// Add registers a started session, replacing any previous entry for the same
// principal.
func (r *Registry) Add(store *session.Store) {
	if store == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[store.PrincipalID()] = store
}

// Remove drops the session for the given principal.
func (r *Registry) Remove(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, principalID)
}

// Get returns the session for a principal, or nil.
func (r *Registry) Get(principalID string) *session.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[principalID]
}

// All returns a snapshot of the current sessions.
func (r *Registry) All() []*session.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stores := make([]*session.Store, 0, len(r.sessions))
	for _, store := range r.sessions {
		stores = append(stores, store)
	}

	return stores
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnectedCount reports how many sessions have a live push subscription.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connected := 0
	for _, store := range r.sessions {
		if store.Connected() {
			connected++
		}
	}

	return connected
}
