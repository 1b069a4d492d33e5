package flow

import "sync"

// Registry is the unique-key index from workflow id to live actor
// handle. It holds lookups only; actor state belongs to the actor and
// child records to the supervisor.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]*Actor)}
}

// Register claims id for a. When the id is already claimed, the
// existing handle is returned with ok == false and the registry is
// unchanged.
func (r *Registry) Register(id string, a *Actor) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.actors[id]; taken {
		return existing, false
	}
	r.actors[id] = a
	return a, true
}

// Lookup returns the live actor for id.
func (r *Registry) Lookup(id string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	return a, ok
}

// replace swaps the handle after a supervisor restart.
func (r *Registry) replace(id string, a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[id] = a
}

// Unregister frees id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, id)
}

// IDs lists registered workflow ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actors))
	for id := range r.actors {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live actors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
