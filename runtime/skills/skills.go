// Package skills provides skill definitions and the pipeline runner that
// executes ordered skill chains on behalf of agents.
//
// A skill is declarative: its definition names an executor type and carries
// opaque content (a prompt template, a script, whatever the executor
// understands). The runner resolves definitions against a registry, hands
// them to executors, and accumulates results. It never inspects what an
// executor returns.
package skills

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a skill is not registered.
var ErrNotFound = errors.New("skill not found")

type (
	// Definition describes one skill.
	Definition struct {
		ID           string `json:"skill_id" yaml:"skill_id"`
		Name         string `json:"name" yaml:"name"`
		Description  string `json:"description,omitempty" yaml:"description,omitempty"`
		Category     string `json:"category,omitempty" yaml:"category,omitempty"`
		ExecutorType string `json:"executor_type" yaml:"executor_type"`
		Content      string `json:"content,omitempty" yaml:"content,omitempty"`
	}

	// Registry resolves skill IDs to definitions. Implementations must be
	// safe for concurrent use.
	Registry interface {
		// Register stores or updates a definition. A definition with the
		// same ID replaces the previous one.
		Register(ctx context.Context, def Definition) error

		// Get retrieves a definition by skill ID. Returns ErrNotFound if
		// the skill is not registered.
		Get(ctx context.Context, id string) (Definition, error)
	}

	// Executor runs one skill. The params map carries at minimum the
	// ParamEnvelope and ParamResults keys plus any caller-supplied
	// parameters.
	Executor interface {
		Execute(ctx context.Context, def Definition, params map[string]any) (any, error)
	}

	// Func adapts a function to the Executor interface.
	Func func(ctx context.Context, def Definition, params map[string]any) (any, error)
)

// Execute calls f.
func (f Func) Execute(ctx context.Context, def Definition, params map[string]any) (any, error) {
	return f(ctx, def, params)
}
