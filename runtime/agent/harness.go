package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/troupe/runtime/authority"
	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/registry"
	"goa.design/troupe/runtime/telemetry"
)

// Harness lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("harness already started")
	ErrNotStarted     = errors.New("harness not started")
)

type (
	// Harness binds one agent to its queue. Start registers the agent as
	// available and begins consuming; Stop releases only this agent's
	// consumer and marks the registration unavailable. Stopping one harness
	// never disturbs others sharing the bus.
	Harness struct {
		agent     Agent
		bus       bus.Bus
		registry  registry.Store
		authority authority.Provider
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
		agentType string

		mu      sync.Mutex
		started bool
		handle  bus.Handle
	}

	// HarnessOption customizes a Harness.
	HarnessOption func(*Harness)
)

// WithAuthority wires an authority provider. When set, inbound envelopes
// carrying claims are filtered: a message whose claims are all addressed to
// other agents or expired is dropped without reaching the agent.
func WithAuthority(p authority.Provider) HarnessOption {
	return func(h *Harness) {
		if p != nil {
			h.authority = p
		}
	}
}

// WithLogger sets the harness logger.
func WithLogger(logger telemetry.Logger) HarnessOption {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the harness metrics recorder.
func WithMetrics(metrics telemetry.Metrics) HarnessOption {
	return func(h *Harness) {
		if metrics != nil {
			h.metrics = metrics
		}
	}
}

// WithAgentType overrides the registered agent type. Defaults to "ai".
func WithAgentType(agentType string) HarnessOption {
	return func(h *Harness) {
		if agentType != "" {
			h.agentType = agentType
		}
	}
}

// WithNow overrides the harness clock. Used in tests.
func WithNow(now func() time.Time) HarnessOption {
	return func(h *Harness) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHarness creates a harness for the agent. The harness is inert until
// Start is called.
func NewHarness(a Agent, b bus.Bus, reg registry.Store, opts ...HarnessOption) *Harness {
	h := &Harness{
		agent:     a,
		bus:       b,
		registry:  reg,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		now:       time.Now,
		agentType: registry.AgentTypeAI,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Queue returns the queue name the harness consumes.
func (h *Harness) Queue() string {
	return bus.AgentQueue(h.agent.AgentID())
}

// Start registers the agent as available and begins consuming its queue.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, h.agent.AgentID())
	}
	reg := registry.Registration{
		AgentID:      h.agent.AgentID(),
		Name:         h.agent.Name(),
		AgentType:    h.agentType,
		Capabilities: h.agent.Capabilities(),
		RegisteredAt: h.now().UTC(),
		IsAvailable:  true,
	}
	if err := h.registry.Register(ctx, reg); err != nil {
		return fmt.Errorf("register agent %q: %w", h.agent.AgentID(), err)
	}
	handle, err := h.bus.Consume(ctx, h.Queue(), h.dispatch)
	if err != nil {
		if regErr := h.registry.SetAvailability(ctx, h.agent.AgentID(), false); regErr != nil {
			h.logger.Warn(ctx, "could not mark agent unavailable after failed start",
				"agent_id", h.agent.AgentID(), "err", regErr)
		}
		return fmt.Errorf("consume %q: %w", h.Queue(), err)
	}
	h.handle = handle
	h.started = true
	h.logger.Info(ctx, "agent started", "agent_id", h.agent.AgentID(), "queue", h.Queue())
	return nil
}

// Stop releases the agent's consumer, waiting for in-flight work up to the
// context deadline, and marks the registration unavailable. Stop is
// idempotent; stopping a never-started harness returns ErrNotStarted.
func (h *Harness) Stop(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	handle := h.handle
	h.handle = nil
	h.mu.Unlock()
	if !started {
		return fmt.Errorf("%w: %s", ErrNotStarted, h.agent.AgentID())
	}
	if handle == nil {
		return nil
	}

	stopErr := handle.Stop(ctx)
	// The registration goes unavailable even when the consumer refused to
	// stop cleanly, so routing stops considering the agent either way.
	if err := h.registry.SetAvailability(ctx, h.agent.AgentID(), false); err != nil {
		if stopErr == nil {
			stopErr = fmt.Errorf("mark agent %q unavailable: %w", h.agent.AgentID(), err)
		} else {
			h.logger.Warn(ctx, "could not mark agent unavailable",
				"agent_id", h.agent.AgentID(), "err", err)
		}
	}
	h.logger.Info(ctx, "agent stopped", "agent_id", h.agent.AgentID())
	return stopErr
}

// dispatch handles one inbound envelope: authority filtering, processing,
// and reply publication. A returned error dead-letters the message.
func (h *Harness) dispatch(ctx context.Context, env envelope.Envelope) error {
	if !h.authorized(ctx, env) {
		// Delivered correctly, receiver just is not authorized. Ack
		// without processing, no dead-letter.
		h.metrics.IncCounter("agent.dropped", 1, "agent_id", h.agent.AgentID(), "reason", "authority")
		return nil
	}

	reply, err := h.agent.Process(ctx, env)
	if err != nil {
		h.logger.Error(ctx, "agent processing failed",
			"agent_id", h.agent.AgentID(), "reference_code", env.ReferenceCode.String(), "err", err)
		return fmt.Errorf("agent %q: %w", h.agent.AgentID(), err)
	}
	h.metrics.IncCounter("agent.processed", 1, "agent_id", h.agent.AgentID())
	if reply == nil {
		return nil
	}

	if env.Context.ReplyTo == "" {
		h.logger.Warn(ctx, "dropping reply, inbound envelope has no reply-to",
			"agent_id", h.agent.AgentID(), "reference_code", env.ReferenceCode.String())
		return nil
	}
	out := reply.Clone()
	out.ReferenceCode = env.ReferenceCode
	out.Context.ParentMessageID = env.Payload.Common().MessageID
	out.Context.FromAgentID = h.agent.AgentID()
	if err := h.bus.Publish(ctx, env.Context.ReplyTo, out); err != nil {
		return fmt.Errorf("publish reply to %q: %w", env.Context.ReplyTo, err)
	}
	return nil
}

// authorized applies the claim filter. Envelopes without claims pass; an
// envelope carrying claims passes only if at least one claim is addressed to
// this agent and unexpired.
func (h *Harness) authorized(ctx context.Context, env envelope.Envelope) bool {
	if h.authority == nil || len(env.AuthorityClaims) == 0 {
		return true
	}
	now := h.now()
	for _, claim := range env.AuthorityClaims {
		if claim.GrantedTo == h.agent.AgentID() && !claim.Expired(now) {
			return true
		}
	}
	h.logger.Debug(ctx, "dropping envelope, no valid claim for agent",
		"agent_id", h.agent.AgentID(), "reference_code", env.ReferenceCode.String())
	return false
}
