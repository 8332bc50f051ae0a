package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/troupe/runtime/authority"
	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/registry"
	"goa.design/troupe/runtime/telemetry"
)

// Runtime lifecycle errors.
var (
	ErrAgentRunning    = errors.New("agent already running")
	ErrAgentNotRunning = errors.New("agent not running")
)

type (
	// Runtime owns a set of harnesses keyed by agent ID plus their team
	// membership. The same start and stop operations serve ephemeral and
	// long-lived agents; only the caller's intent differs.
	Runtime struct {
		bus       bus.Bus
		registry  registry.Store
		authority authority.Provider
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		seed      []Agent

		mu        sync.Mutex
		harnesses map[string]*Harness
		teams     map[string]map[string]struct{}
	}

	// RuntimeOption customizes a Runtime.
	RuntimeOption func(*Runtime)

	// StartOption customizes one StartAgent call.
	StartOption func(*startConfig)

	startConfig struct {
		teamID      string
		harnessOpts []HarnessOption
	}
)

// WithRuntimeAuthority wires an authority provider into every harness the
// runtime starts.
func WithRuntimeAuthority(p authority.Provider) RuntimeOption {
	return func(r *Runtime) {
		if p != nil {
			r.authority = p
		}
	}
}

// WithRuntimeLogger sets the runtime logger, inherited by harnesses.
func WithRuntimeLogger(logger telemetry.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRuntimeMetrics sets the runtime metrics recorder, inherited by
// harnesses.
func WithRuntimeMetrics(metrics telemetry.Metrics) RuntimeOption {
	return func(r *Runtime) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithSeedAgents registers agents the runtime starts during Start.
func WithSeedAgents(agents ...Agent) RuntimeOption {
	return func(r *Runtime) {
		r.seed = append(r.seed, agents...)
	}
}

// WithTeam assigns the agent to a team. Stopping the team stops the agent.
func WithTeam(teamID string) StartOption {
	return func(c *startConfig) {
		c.teamID = teamID
	}
}

// WithHarnessOptions forwards options to the agent's harness.
func WithHarnessOptions(opts ...HarnessOption) StartOption {
	return func(c *startConfig) {
		c.harnessOpts = append(c.harnessOpts, opts...)
	}
}

// NewRuntime creates a runtime. Agents start via Start (seed set) and
// StartAgent.
func NewRuntime(b bus.Bus, reg registry.Store, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		bus:       b,
		registry:  reg,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		harnesses: make(map[string]*Harness),
		teams:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start starts the seed agents. On failure the already-started seeds are
// stopped before the error is returned.
func (r *Runtime) Start(ctx context.Context) error {
	for _, a := range r.seed {
		if _, err := r.StartAgent(ctx, a); err != nil {
			if closeErr := r.Close(ctx); closeErr != nil {
				r.logger.Warn(ctx, "cleanup after failed start", "err", closeErr)
			}
			return fmt.Errorf("start seed agent %q: %w", a.AgentID(), err)
		}
	}
	return nil
}

// StartAgent constructs a harness for the agent, starts it, and tracks it.
// Returns the agent ID for convenience.
func (r *Runtime) StartAgent(ctx context.Context, a Agent, opts ...StartOption) (string, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	harnessOpts := []HarnessOption{WithLogger(r.logger), WithMetrics(r.metrics)}
	if r.authority != nil {
		harnessOpts = append(harnessOpts, WithAuthority(r.authority))
	}
	harnessOpts = append(harnessOpts, cfg.harnessOpts...)
	h := NewHarness(a, r.bus, r.registry, harnessOpts...)

	id := a.AgentID()
	r.mu.Lock()
	if _, ok := r.harnesses[id]; ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentRunning, id)
	}
	r.harnesses[id] = h
	if cfg.teamID != "" {
		team, ok := r.teams[cfg.teamID]
		if !ok {
			team = make(map[string]struct{})
			r.teams[cfg.teamID] = team
		}
		team[id] = struct{}{}
	}
	r.mu.Unlock()

	if err := h.Start(ctx); err != nil {
		r.forget(id)
		return "", err
	}
	r.metrics.IncCounter("runtime.agents_started", 1, "agent_id", id)
	return id, nil
}

// StopAgent stops the agent's harness and removes it from every team.
func (r *Runtime) StopAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	h, ok := r.harnesses[agentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, agentID)
	}
	err := h.Stop(ctx)
	r.forget(agentID)
	r.metrics.IncCounter("runtime.agents_stopped", 1, "agent_id", agentID)
	return err
}

// StopTeam stops every agent in the team and removes the team. Stopping
// continues past individual failures; the first error is returned.
func (r *Runtime) StopTeam(ctx context.Context, teamID string) error {
	ids := r.TeamAgentIDs(teamID)
	var firstErr error
	for _, id := range ids {
		if err := r.StopAgent(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	delete(r.teams, teamID)
	r.mu.Unlock()
	return firstErr
}

// RunningAgentIDs returns the IDs of running agents, sorted.
func (r *Runtime) RunningAgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.harnesses))
	for id := range r.harnesses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TeamAgentIDs returns the IDs of the team's agents, sorted. Unknown teams
// yield an empty slice.
func (r *Runtime) TeamAgentIDs(teamID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	team := r.teams[teamID]
	ids := make([]string, 0, len(team))
	for id := range team {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsAgentRunning reports whether the agent has a running harness.
func (r *Runtime) IsAgentRunning(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.harnesses[agentID]
	return ok
}

// Close stops every harness gracefully.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	remaining := make([]*Harness, 0, len(r.harnesses))
	for _, h := range r.harnesses {
		remaining = append(remaining, h)
	}
	r.harnesses = make(map[string]*Harness)
	r.teams = make(map[string]map[string]struct{})
	r.mu.Unlock()

	var firstErr error
	for _, h := range remaining {
		if err := h.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// forget drops the agent from the harness map and every team set.
func (r *Runtime) forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.harnesses, agentID)
	for teamID, team := range r.teams {
		delete(team, agentID)
		if len(team) == 0 {
			delete(r.teams, teamID)
		}
	}
}
