// Package inmem provides an in-memory implementation of the registry store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where registrations do not need to survive restarts.
package inmem

import (
	"context"
	"sync"

	"goa.design/troupe/runtime/registry"
)

// Store is an in-memory implementation of registry.Store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	agents map[string]registry.Registration
}

// Compile-time check that Store implements registry.Store.
var _ registry.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{agents: make(map[string]registry.Registration)}
}

// Register stores or updates a registration.
func (s *Store) Register(ctx context.Context, reg registry.Registration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[reg.AgentID] = clone(reg)
	return nil
}

// Get retrieves a registration by agent ID.
func (s *Store) Get(ctx context.Context, agentID string) (registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return registry.Registration{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.agents[agentID]
	if !ok {
		return registry.Registration{}, registry.ErrNotFound
	}
	return clone(reg), nil
}

// List returns every registration.
func (s *Store) List(ctx context.Context) ([]registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Registration, 0, len(s.agents))
	for _, reg := range s.agents {
		out = append(out, clone(reg))
	}
	return out, nil
}

// FindByCapability returns available registrations advertising the capability.
func (s *Store) FindByCapability(ctx context.Context, name string) ([]registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Registration, 0)
	for _, reg := range s.agents {
		if reg.IsAvailable && reg.HasCapability(name) {
			out = append(out, clone(reg))
		}
	}
	return out, nil
}

// SetAvailability flips the availability flag of a registration.
func (s *Store) SetAvailability(ctx context.Context, agentID string, available bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.agents[agentID]
	if !ok {
		return registry.ErrNotFound
	}
	reg.IsAvailable = available
	s.agents[agentID] = reg
	return nil
}

// clone copies the registration so callers cannot alias stored state.
func clone(reg registry.Registration) registry.Registration {
	if len(reg.Capabilities) > 0 {
		caps := make([]registry.Capability, len(reg.Capabilities))
		copy(caps, reg.Capabilities)
		reg.Capabilities = caps
	}
	return reg
}
