// Package ops implements the operations hub: bundler registry and
// supervisor, chain indexer, log hub, telemetry aggregator, user-op
// analytics, and the HTTP API that fronts them (spec section 4.2).
package ops

import (
	"sync"
	"time"

	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

// Registry is the keyed BundlerInstance store (section 4.2.1),
// generalized from the teacher's facilitator.go network->scheme nested
// map registry (findByNetworkAndScheme/findSchemesByNetwork) to a flat
// id-keyed map with the same "public view strips internal handles"
// shape the teacher uses for GetRegisteredSchemes().
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*types.BundlerInstance
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*types.BundlerInstance)}
}

// Upsert inserts or replaces an instance by id.
func (r *Registry) Upsert(inst types.BundlerInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = &inst
}

// Get returns the instance by id, or (nil, false).
func (r *Registry) Get(id string) (*types.BundlerInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Remove deletes an instance from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

// ListPublic returns every instance with internal process handles
// stripped (section 4.2.1 "listPublic").
func (r *Registry) ListPublic() []types.BundlerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.BundlerInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.PublicView())
	}
	return out
}

// UpdateStatus transitions an instance's status and lastSeen timestamp
// (section 4.2.1 "periodic health probe ... transitions UP/DOWN").
func (r *Registry) UpdateStatus(id string, status types.BundlerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return cperr.NotFoundf("unknown bundler id %q", id)
	}
	inst.Status = status
	seen := time.Now()
	inst.LastSeen = &seen
	return nil
}

// UpdatePolicy replaces an instance's admission policy in-place.
func (r *Registry) UpdatePolicy(id string, policy types.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return cperr.NotFoundf("unknown bundler id %q", id)
	}
	inst.Policy = policy
	return nil
}
