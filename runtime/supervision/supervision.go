// Package supervision watches delegated work. A periodic sweep finds overdue
// delegations, counts how often each one was flagged, and alerts the
// configured queues: within the retry budget an overdue delegation raises a
// SupervisionAlert, beyond it the supervisor escalates. The sweep never
// mutates delegations; recovery is the recipient's call.
package supervision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"
	"golang.org/x/time/rate"

	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/delegation"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/telemetry"
)

// ErrAlreadyStarted reports a second Start on a running supervisor.
var ErrAlreadyStarted = errors.New("supervisor already started")

// sweepTickerName identifies the shared sweep ticker across pool nodes.
const sweepTickerName = "supervision:sweep"

type (
	// RunningReporter answers whether an agent currently has a running
	// harness. The agent runtime satisfies it; without one the supervisor
	// assumes assignees are running.
	RunningReporter interface {
		IsAgentRunning(agentID string) bool
	}

	// Config tunes the supervisor sweep.
	Config struct {
		// CheckInterval is the sweep period.
		CheckInterval time.Duration

		// MaxRetries is how many supervision alerts one delegation may
		// raise before the supervisor escalates it.
		MaxRetries int

		// AlertTarget is the queue receiving supervision alerts.
		AlertTarget string

		// EscalationTarget is the queue receiving escalation alerts.
		EscalationTarget string
	}

	// Supervisor periodically sweeps for overdue delegations and publishes
	// alerts. Safe for concurrent use.
	Supervisor struct {
		cfg     Config
		bus     bus.Bus
		tracker delegation.Tracker
		retries delegation.RetryCounter
		running RunningReporter
		limiter *rate.Limiter
		node    *pool.Node
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}

	// Option customizes a Supervisor.
	Option func(*Supervisor)
)

// WithRunningReporter wires harness liveness into supervision alerts.
func WithRunningReporter(r RunningReporter) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.running = r
		}
	}
}

// WithAlertLimiter bounds how fast supervision alerts are published. Alerts
// over the limit are dropped with a log line. Escalations are never limited.
func WithAlertLimiter(l *rate.Limiter) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithPoolNode drives the sweep loop from a distributed ticker on the given
// pool node instead of a local timer. Exactly one node in the pool receives
// each tick, so multi-node deployments run one sweep per interval.
func WithPoolNode(node *pool.Node) Option {
	return func(s *Supervisor) {
		if node != nil {
			s.node = node
		}
	}
}

// WithLogger sets the supervisor's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the supervisor's metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(s *Supervisor) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// New builds a supervisor over the given transport and trackers.
func New(cfg Config, b bus.Bus, tracker delegation.Tracker, retries delegation.RetryCounter, opts ...Option) (*Supervisor, error) {
	switch {
	case cfg.CheckInterval <= 0:
		return nil, errors.New("check interval must be positive")
	case cfg.MaxRetries < 0:
		return nil, errors.New("max retries must not be negative")
	case cfg.AlertTarget == "":
		return nil, errors.New("alert target is required")
	case cfg.EscalationTarget == "":
		return nil, errors.New("escalation target is required")
	case b == nil:
		return nil, errors.New("bus is required")
	case tracker == nil:
		return nil, errors.New("delegation tracker is required")
	case retries == nil:
		return nil, errors.New("retry counter is required")
	}
	s := &Supervisor{
		cfg:     cfg,
		bus:     b,
		tracker: tracker,
		retries: retries,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. The loop keeps the Start context's values
// but not its cancellation; it runs until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if s.node != nil {
		ticker, err := s.node.NewTicker(loopCtx, sweepTickerName, s.cfg.CheckInterval)
		if err != nil {
			cancel()
			return fmt.Errorf("create distributed sweep ticker: %w", err)
		}
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.runDistributed(loopCtx, ticker)
		return nil
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it to finish up to the context
// deadline. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Supervisor) runDistributed(ctx context.Context, ticker *pool.Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Supervisor) sweepAndLog(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		// A failed sweep never stops supervision; the next tick tries again.
		s.logger.Error(ctx, "supervision sweep failed", "err", err)
	}
}

// Sweep runs one pass over overdue delegations. Exported so deployments can
// drive sweeps from an external scheduler instead of Start.
func (s *Supervisor) Sweep(ctx context.Context) error {
	overdue, err := s.tracker.GetOverdue(ctx)
	if err != nil {
		return fmt.Errorf("list overdue delegations: %w", err)
	}
	for _, rec := range overdue {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.flag(ctx, rec); err != nil {
			// One bad delegation must not starve the rest of the sweep.
			s.logger.Error(ctx, "failed to flag overdue delegation",
				"ref_code", rec.ReferenceCode.String(), "err", err)
		}
	}
	if len(overdue) > 0 {
		s.metrics.RecordGauge("supervision.overdue", float64(len(overdue)))
	}
	return nil
}

func (s *Supervisor) flag(ctx context.Context, rec delegation.Record) error {
	n, err := s.retries.Increment(ctx, rec.ReferenceCode)
	if err != nil {
		return fmt.Errorf("count retry: %w", err)
	}
	if n > s.cfg.MaxRetries {
		return s.escalate(ctx, rec, n)
	}
	return s.alert(ctx, rec, n)
}

func (s *Supervisor) alert(ctx context.Context, rec delegation.Record, n int) error {
	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.IncCounter("supervision.alerts_limited", 1)
		s.logger.Warn(ctx, "supervision alert rate limited",
			"ref_code", rec.ReferenceCode.String())
		return nil
	}
	running := true
	if s.running != nil {
		running = s.running.IsAgentRunning(rec.DelegatedTo)
	}
	env := envelope.Envelope{
		Payload: envelope.SupervisionAlert{
			Meta:              envelope.NewMeta(),
			DelegationRefCode: rec.ReferenceCode,
			DelegatedTo:       rec.DelegatedTo,
			Description:       rec.Description,
			RetryCount:        n,
			DueAt:             rec.DueAt,
			IsAgentRunning:    running,
		},
		ReferenceCode: rec.ReferenceCode,
	}
	if err := s.bus.Publish(ctx, s.cfg.AlertTarget, env); err != nil {
		return fmt.Errorf("publish supervision alert: %w", err)
	}
	s.metrics.IncCounter("supervision.alerts", 1)
	s.logger.Warn(ctx, "delegation overdue",
		"ref_code", rec.ReferenceCode.String(), "assignee", rec.DelegatedTo,
		"retry", n, "agent_running", running)
	return nil
}

func (s *Supervisor) escalate(ctx context.Context, rec delegation.Record, n int) error {
	env := envelope.Envelope{
		Payload: envelope.EscalationAlert{
			Meta:              envelope.NewMeta(),
			DelegationRefCode: rec.ReferenceCode,
			DelegatedTo:       rec.DelegatedTo,
			Description:       rec.Description,
			RetryCount:        n,
			Reason:            "Max retries exceeded",
		},
		ReferenceCode: rec.ReferenceCode,
	}
	if err := s.bus.Publish(ctx, s.cfg.EscalationTarget, env); err != nil {
		return fmt.Errorf("publish escalation alert: %w", err)
	}
	s.metrics.IncCounter("supervision.escalations", 1)
	s.logger.Error(ctx, "delegation exhausted retries",
		"ref_code", rec.ReferenceCode.String(), "assignee", rec.DelegatedTo, "retries", n)
	return nil
}
