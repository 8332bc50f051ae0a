// Package registry defines agent registration storage.
//
// The Store interface abstracts registration storage, allowing different
// backend implementations. Available implementations:
//
//   - inmem: In-memory store for development and testing
//   - replicated: Pulse replicated-map store shared across nodes
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns registry.ErrNotFound for missing agents.
package registry

import (
	"context"
	"errors"
	"time"
)

// Agent types.
const (
	AgentTypeAI    = "ai"
	AgentTypeHuman = "human"
)

// ErrNotFound is returned when an agent is not registered.
var ErrNotFound = errors.New("agent not found")

type (
	// Capability names one thing an agent can do.
	Capability struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}

	// Registration describes a registered agent. The harness creates one
	// when the agent starts and marks it unavailable when the agent stops.
	Registration struct {
		AgentID      string       `json:"agent_id"`
		Name         string       `json:"name"`
		AgentType    string       `json:"agent_type"`
		Capabilities []Capability `json:"capabilities,omitempty"`
		RegisteredAt time.Time    `json:"registered_at"`
		IsAvailable  bool         `json:"is_available"`
	}

	// Store persists agent registrations. Implementations must be safe for
	// concurrent use; routing consults the store on every decision.
	Store interface {
		// Register stores or updates a registration. A registration with
		// the same agent ID replaces the previous one.
		Register(ctx context.Context, reg Registration) error

		// Get retrieves a registration by agent ID. Returns ErrNotFound
		// if the agent is not registered.
		Get(ctx context.Context, agentID string) (Registration, error)

		// List returns every registration in no particular order.
		List(ctx context.Context) ([]Registration, error)

		// FindByCapability returns the registrations that are available
		// and advertise the named capability.
		FindByCapability(ctx context.Context, name string) ([]Registration, error)

		// SetAvailability flips the availability flag of a registration.
		// Returns ErrNotFound if the agent is not registered.
		SetAvailability(ctx context.Context, agentID string, available bool) error
	}
)

// HasCapability reports whether the registration advertises the named
// capability.
func (r Registration) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}
