package playback

import (
	"fmt"
	"sort"
	"sync"
)

// EngineFactory builds the engine for a newly joined tenant.
type EngineFactory func(tenantID string) *Engine

// Registry maps tenant ids to their engines. It is not safe for concurrent
// use: exactly one owner (the dispatcher loop) creates, looks up and removes
// entries.
type Registry struct {
	engines map[string]*Engine
	factory EngineFactory
}

// NewRegistry creates an empty registry.
func NewRegistry(factory EngineFactory) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		factory: factory,
	}
}

// Create builds and registers the engine for tenantID. It fails if the tenant
// already has one.
func (r *Registry) Create(tenantID string) (*Engine, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if _, exists := r.engines[tenantID]; exists {
		return nil, fmt.Errorf("tenant %s already has an engine", tenantID)
	}
	e := r.factory(tenantID)
	r.engines[tenantID] = e
	return e, nil
}

// Lookup returns the engine for tenantID.
func (r *Registry) Lookup(tenantID string) (*Engine, bool) {
	e, ok := r.engines[tenantID]
	return e, ok
}

// Remove unregisters tenantID and shuts its engine down. It reports whether
// the tenant was present.
func (r *Registry) Remove(tenantID string) bool {
	e, ok := r.engines[tenantID]
	if !ok {
		return false
	}
	delete(r.engines, tenantID)
	e.Shutdown()
	return true
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.engines)
}

// Tenants returns the registered tenant ids in sorted order.
func (r *Registry) Tenants() []string {
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ShutdownAll removes every tenant, shutting engines down concurrently.
func (r *Registry) ShutdownAll() {
	var wg sync.WaitGroup
	for id, e := range r.engines {
		delete(r.engines, id)
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Shutdown()
		}(e)
	}
	wg.Wait()
}
