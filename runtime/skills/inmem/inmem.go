// Package inmem provides an in-memory skill registry.
package inmem

import (
	"context"
	"sync"

	"goa.design/troupe/runtime/skills"
)

// Registry is an in-memory implementation of skills.Registry. It is safe
// for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]skills.Definition
}

// Compile-time check that Registry implements skills.Registry.
var _ skills.Registry = (*Registry)(nil)

// New creates a new in-memory registry.
func New() *Registry {
	return &Registry{defs: make(map[string]skills.Definition)}
}

// Register stores or updates a definition.
func (r *Registry) Register(ctx context.Context, def skills.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get retrieves a definition by skill ID.
func (r *Registry) Get(ctx context.Context, id string) (skills.Definition, error) {
	if err := ctx.Err(); err != nil {
		return skills.Definition{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return skills.Definition{}, skills.ErrNotFound
	}
	return def, nil
}
