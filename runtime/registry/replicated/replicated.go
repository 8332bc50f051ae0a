// Package replicated provides a replicated-map backed implementation of the
// registry store.
//
// The store persists registrations in a Pulse replicated map (rmap), which is
// backed by Redis. This makes registrations durable across process restarts
// and visible to every node running agents against the same Redis instance.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/troupe/runtime/registry"
)

type (
	// Map is the minimal replicated-map contract required by the store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// It is defined here to:
	//   - keep the store unit-testable without Redis, and
	//   - avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists registrations in a replicated map. It is safe for
	// concurrent use when backed by a concurrent-safe map (such as rmap.Map).
	Store struct {
		m Map
	}
)

const agentKeyPrefix = "troupe:agent:"

// New creates a new replicated store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

// Compile-time check that Store implements registry.Store.
var _ registry.Store = (*Store)(nil)

// Register stores or updates a registration.
func (s *Store) Register(ctx context.Context, reg registry.Registration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration %q: %w", reg.AgentID, err)
	}
	if _, err := s.m.Set(ctx, agentKey(reg.AgentID), string(b)); err != nil {
		return fmt.Errorf("store registration %q: %w", reg.AgentID, err)
	}
	return nil
}

// Get retrieves a registration by agent ID.
func (s *Store) Get(ctx context.Context, agentID string) (registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return registry.Registration{}, err
	}
	val, ok := s.m.Get(agentKey(agentID))
	if !ok {
		return registry.Registration{}, registry.ErrNotFound
	}
	var reg registry.Registration
	if err := json.Unmarshal([]byte(val), &reg); err != nil {
		return registry.Registration{}, fmt.Errorf("unmarshal registration %q: %w", agentID, err)
	}
	return reg, nil
}

// List returns every registration.
func (s *Store) List(ctx context.Context) ([]registry.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.m.Keys()
	out := make([]registry.Registration, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, agentKeyPrefix) {
			continue
		}
		reg, err := s.Get(ctx, strings.TrimPrefix(k, agentKeyPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}

// FindByCapability returns available registrations advertising the capability.
func (s *Store) FindByCapability(ctx context.Context, name string) ([]registry.Registration, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]registry.Registration, 0, len(all))
	for _, reg := range all {
		if reg.IsAvailable && reg.HasCapability(name) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// SetAvailability flips the availability flag of a registration.
func (s *Store) SetAvailability(ctx context.Context, agentID string, available bool) error {
	reg, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	reg.IsAvailable = available
	return s.Register(ctx, reg)
}

func agentKey(agentID string) string {
	return agentKeyPrefix + agentID
}
