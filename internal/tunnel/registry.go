package tunnel

import (
	"sort"
	"sync"
)

// Registry is the authority for which servers currently own a supervisor
type Registry struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		supervisors: make(map[string]*Supervisor),
	}
}

// Get retrieves the supervisor for a server
func (r *Registry) Get(serverID string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sup, ok := r.supervisors[serverID]
	return sup, ok
}

// Upsert stores sup for serverID, replacing any existing entry
func (r *Registry) Upsert(serverID string, sup *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.supervisors[serverID] = sup
}

// Claim stores sup only if serverID has no entry yet
func (r *Registry) Claim(serverID string, sup *Supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.supervisors[serverID]; exists {
		return false
	}
	r.supervisors[serverID] = sup
	return true
}

// Remove deletes the entry for serverID and returns what was stored
func (r *Registry) Remove(serverID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sup, ok := r.supervisors[serverID]
	delete(r.supervisors, serverID)
	return sup, ok
}

// RemoveIf deletes the entry only while it still refers to sup
func (r *Registry) RemoveIf(serverID string, sup *Supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.supervisors[serverID]; ok && cur == sup {
		delete(r.supervisors, serverID)
		return true
	}
	return false
}

// IDs returns the registered server ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.supervisors))
	for id := range r.supervisors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered servers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.supervisors)
}
