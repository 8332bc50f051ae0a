// Package router implements the chief-of-staff agent. It triages inbound
// goals through a skill pipeline, narrows authority claims before
// propagating them, delegates sub-tasks to capable agents, gates
// high-authority plans behind human approval, and folds multi-task results
// into a single reply to the original requester.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/troupe/runtime/agent"
	"goa.design/troupe/runtime/authority"
	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/delegation"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
	"goa.design/troupe/runtime/registry"
	"goa.design/troupe/runtime/skills"
	"goa.design/troupe/runtime/telemetry"
	"goa.design/troupe/runtime/workflow"
)

// Parameter keys the router injects into its triage pipeline. Executors that
// build prompts read them by name.
const (
	// ParamAvailableCapabilities lists the capabilities of available agents
	// other than the router, comma separated.
	ParamAvailableCapabilities = "available_capabilities"

	// ParamBusinessContext carries retrieved context entries rendered as
	// text, one entry per line.
	ParamBusinessContext = "business_context"

	// ParamModelClass names the model class the persona selects for triage.
	ParamModelClass = "model_class"
)

type (
	// Config carries the collaborators a router needs. Every field is
	// required.
	Config struct {
		Bus         bus.Bus
		Registry    registry.Store
		RefCodes    *refcode.Generator
		Delegations delegation.Tracker
		Workflows   workflow.Tracker
		Plans       PlanStore
		Pipeline    *skills.Runner
	}

	// Router is the chief-of-staff agent. It implements agent.Agent and
	// publishes its own output envelopes, so Process never returns a reply
	// for the harness to forward.
	Router struct {
		persona     Persona
		bus         bus.Bus
		registry    registry.Store
		refcodes    *refcode.Generator
		delegations delegation.Tracker
		workflows   workflow.Tracker
		plans       PlanStore
		pipeline    *skills.Runner
		contexts    ContextProvider
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
	}

	// Option customizes a Router.
	Option func(*Router)
)

var _ agent.Agent = (*Router)(nil)

// WithContextProvider wires business context retrieval into triage.
func WithContextProvider(p ContextProvider) Option {
	return func(r *Router) {
		if p != nil {
			r.contexts = p
		}
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the router's metrics sink.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Router) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithNow overrides the clock. Used by tests to pin claim grants and
// delegation timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a router for the persona over the given collaborators.
func New(persona Persona, cfg Config, opts ...Option) (*Router, error) {
	if err := persona.Validate(); err != nil {
		return nil, fmt.Errorf("invalid persona: %w", err)
	}
	switch {
	case cfg.Bus == nil:
		return nil, errors.New("bus is required")
	case cfg.Registry == nil:
		return nil, errors.New("registry is required")
	case cfg.RefCodes == nil:
		return nil, errors.New("reference code generator is required")
	case cfg.Delegations == nil:
		return nil, errors.New("delegation tracker is required")
	case cfg.Workflows == nil:
		return nil, errors.New("workflow tracker is required")
	case cfg.Plans == nil:
		return nil, errors.New("plan store is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("skill pipeline runner is required")
	}
	r := &Router{
		persona:     persona,
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		refcodes:    cfg.RefCodes,
		delegations: cfg.Delegations,
		workflows:   cfg.Workflows,
		plans:       cfg.Plans,
		pipeline:    cfg.Pipeline,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AgentID implements agent.Agent.
func (r *Router) AgentID() string { return r.persona.AgentID }

// Name implements agent.Agent.
func (r *Router) Name() string { return r.persona.Name }

// Capabilities implements agent.Agent.
func (r *Router) Capabilities() []registry.Capability {
	caps := make([]registry.Capability, len(r.persona.Capabilities))
	copy(caps, r.persona.Capabilities)
	return caps
}

// Process classifies the inbound envelope and runs the matching flow:
// approval responses settle pending plans, results for known sub-tasks feed
// their workflow, and everything else is a goal to triage and route.
func (r *Router) Process(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	if resp, ok := env.Payload.(envelope.PlanApprovalResponse); ok {
		return nil, r.handleApproval(ctx, resp)
	}
	if !env.ReferenceCode.IsZero() {
		_, err := r.workflows.FindBySubtask(ctx, env.ReferenceCode)
		switch {
		case err == nil:
			return nil, r.handleSubtaskResult(ctx, env)
		case !errors.Is(err, workflow.ErrNotFound):
			return nil, fmt.Errorf("look up workflow for %s: %w", env.ReferenceCode, err)
		}
	}
	return nil, r.routeGoal(ctx, env, r.inboundTier(env))
}

// routeGoal triages the envelope and dispatches the resulting plan. Triage
// outcomes the router cannot act on escalate instead of failing the message.
func (r *Router) routeGoal(ctx context.Context, env envelope.Envelope, inbound authority.Tier) error {
	dec, err := r.decompose(ctx, env)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return r.escalate(ctx, env, fmt.Sprintf("triage failed: %v", err))
	}
	if dec.Confidence < r.persona.ConfidenceThreshold {
		return r.escalate(ctx, env, fmt.Sprintf("triage confidence %.2f below threshold %.2f",
			dec.Confidence, r.persona.ConfidenceThreshold))
	}
	if len(dec.Tasks) == 0 {
		return r.escalate(ctx, env, "triage produced no tasks")
	}
	if maxPlannedTier(dec) == authority.TierAskMeFirst {
		return r.proposePlan(ctx, env, dec)
	}
	return r.dispatch(ctx, env, dec, inbound)
}

// decompose runs the persona's pipeline over the envelope and parses the
// final step's result. Capability and context parameters are injected so
// prompt-building executors can ground the model.
func (r *Router) decompose(ctx context.Context, env envelope.Envelope) (Decomposition, error) {
	params := make(map[string]any, 3)
	caps, err := r.availableCapabilities(ctx)
	if err != nil {
		return Decomposition{}, fmt.Errorf("list capabilities: %w", err)
	}
	params[ParamAvailableCapabilities] = caps
	if r.contexts != nil {
		entries, err := r.contexts.Query(ctx, envelope.Describe(env.Payload))
		if err != nil {
			r.logger.Warn(ctx, "business context lookup failed", "err", err)
		} else if len(entries) > 0 {
			params[ParamBusinessContext] = renderEntries(entries)
		}
	}
	if r.persona.ModelTier != "" {
		params[ParamModelClass] = string(r.persona.ModelTier)
	}
	pc, err := r.pipeline.Run(ctx, r.persona.Pipeline, env, params)
	if err != nil {
		return Decomposition{}, err
	}
	raw, ok := pc.Results.Last()
	if !ok {
		return Decomposition{}, errors.New("pipeline produced no result")
	}
	return ParseDecomposition(raw)
}

// availableCapabilities renders the capability names of available agents
// other than the router, deduplicated, sorted and comma separated.
func (r *Router) availableCapabilities(ctx context.Context) (string, error) {
	regs, err := r.registry.List(ctx)
	if err != nil {
		return "", err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, reg := range regs {
		if !reg.IsAvailable || reg.AgentID == r.persona.AgentID {
			continue
		}
		for _, c := range reg.Capabilities {
			if _, ok := seen[c.Name]; ok {
				continue
			}
			seen[c.Name] = struct{}{}
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", "), nil
}

// inboundTier is the effective authority the router received: the lowest
// tier among unexpired claims granted to it, or JustDoIt when none apply.
// Expired and misaddressed claims never widen authority.
func (r *Router) inboundTier(env envelope.Envelope) authority.Tier {
	now := r.now()
	tier, found := authority.TierJustDoIt, false
	for _, c := range env.AuthorityClaims {
		if c.GrantedTo != r.persona.AgentID || c.Expired(now) {
			continue
		}
		if !found || c.Tier < tier {
			tier, found = c.Tier, true
		}
	}
	return tier
}

// proposePlan parks the decomposition and asks the escalation target for
// approval. Nothing is dispatched until the answer arrives.
func (r *Router) proposePlan(ctx context.Context, env envelope.Envelope, dec Decomposition) error {
	code, err := r.refcodes.Next(ctx)
	if err != nil {
		return fmt.Errorf("issue plan reference code: %w", err)
	}
	if err := r.plans.Store(ctx, code, PendingPlan{
		OriginalEnvelope: env.Clone(),
		Decomposition:    dec,
		StoredAt:         r.now().UTC(),
	}); err != nil {
		return fmt.Errorf("store pending plan %s: %w", code, err)
	}
	descs := make([]string, len(dec.Tasks))
	for i, t := range dec.Tasks {
		descs[i] = t.Description
	}
	proposal := envelope.Envelope{
		Payload: envelope.PlanProposal{
			Meta:             envelope.NewMeta(),
			Summary:          dec.Summary,
			TaskDescriptions: descs,
			OriginalGoal:     originalGoal(env),
			WorkflowRefCode:  code,
		},
		ReferenceCode: code,
		Context: envelope.Context{
			ParentMessageID: env.Payload.Common().MessageID,
			TeamID:          env.Context.TeamID,
			ChannelID:       env.Context.ChannelID,
			ReplyTo:         env.Context.ReplyTo,
			FromAgentID:     r.persona.AgentID,
		},
		Priority: env.Priority,
	}
	if err := r.bus.Publish(ctx, r.persona.EscalationTarget, proposal); err != nil {
		return fmt.Errorf("publish plan proposal %s: %w", code, err)
	}
	r.metrics.IncCounter("router.plans_gated", 1, "agent_id", r.persona.AgentID)
	r.logger.Info(ctx, "plan gated for approval",
		"plan", code.String(), "tasks", len(dec.Tasks), "target", r.persona.EscalationTarget)
	return nil
}

// handleApproval settles a pending plan. Approval re-enters dispatch with
// the full requested authority; rejection notifies the original requester.
// Answers for unknown plans are acknowledged and dropped.
func (r *Router) handleApproval(ctx context.Context, resp envelope.PlanApprovalResponse) error {
	plan, err := r.plans.Get(ctx, resp.WorkflowRefCode)
	if errors.Is(err, ErrPlanNotFound) {
		r.logger.Info(ctx, "ignoring approval for unknown plan", "plan", resp.WorkflowRefCode.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending plan %s: %w", resp.WorkflowRefCode, err)
	}
	if err := r.plans.Remove(ctx, resp.WorkflowRefCode); err != nil {
		return fmt.Errorf("remove pending plan %s: %w", resp.WorkflowRefCode, err)
	}
	if !resp.IsApproved {
		return r.rejectPlan(ctx, plan, resp)
	}
	r.logger.Info(ctx, "plan approved, dispatching",
		"plan", resp.WorkflowRefCode.String(), "tasks", len(plan.Decomposition.Tasks))
	// Approval elevates the dispatch to the authority the plan asked for.
	return r.dispatch(ctx, plan.OriginalEnvelope, plan.Decomposition, authority.TierAskMeFirst)
}

// rejectPlan tells the original requester their plan was declined and why.
func (r *Router) rejectPlan(ctx context.Context, plan PendingPlan, resp envelope.PlanApprovalResponse) error {
	r.metrics.IncCounter("router.plans_rejected", 1, "agent_id", r.persona.AgentID)
	replyTo := plan.OriginalEnvelope.Context.ReplyTo
	if replyTo == "" {
		r.logger.Warn(ctx, "dropping rejection notice, original envelope has no reply-to",
			"plan", resp.WorkflowRefCode.String())
		return nil
	}
	reason := resp.RejectionReason
	if reason == "" {
		reason = "no reason given"
	}
	meta := envelope.NewMeta()
	meta.CorrelationID = correlationOf(plan.OriginalEnvelope)
	notice := envelope.Envelope{
		Payload: envelope.TextMessage{
			Meta: meta,
			Text: fmt.Sprintf("Plan %s rejected: %s", resp.WorkflowRefCode, reason),
		},
		ReferenceCode: plan.OriginalEnvelope.ReferenceCode,
		Context: envelope.Context{
			ParentMessageID: plan.OriginalEnvelope.Payload.Common().MessageID,
			TeamID:          plan.OriginalEnvelope.Context.TeamID,
			ChannelID:       plan.OriginalEnvelope.Context.ChannelID,
			FromAgentID:     r.persona.AgentID,
		},
		Priority: plan.OriginalEnvelope.Priority,
	}
	if err := r.bus.Publish(ctx, replyTo, notice); err != nil {
		return fmt.Errorf("publish rejection notice for %s: %w", resp.WorkflowRefCode, err)
	}
	r.logger.Info(ctx, "plan rejected", "plan", resp.WorkflowRefCode.String(), "reason", reason)
	return nil
}

// dispatch routes an accepted decomposition: a lone task goes straight to an
// agent, several tasks fan out under a workflow.
func (r *Router) dispatch(ctx context.Context, env envelope.Envelope, dec Decomposition, inbound authority.Tier) error {
	if len(dec.Tasks) == 1 {
		return r.dispatchSingle(ctx, env, dec.Tasks[0], inbound)
	}
	return r.dispatchWorkflow(ctx, env, dec, inbound)
}

// dispatchSingle hands one task to one agent. No workflow record is kept;
// the assignee replies straight to the original requester.
func (r *Router) dispatchSingle(ctx context.Context, env envelope.Envelope, task Task, inbound authority.Tier) error {
	assignee, ok, err := r.selectAgent(ctx, task.Capability)
	if err != nil {
		return fmt.Errorf("find agent for %q: %w", task.Capability, err)
	}
	if !ok {
		return r.escalate(ctx, env, fmt.Sprintf("no available agent for capability %q", task.Capability))
	}
	code, err := r.refcodes.Next(ctx)
	if err != nil {
		return fmt.Errorf("issue reference code: %w", err)
	}
	if err := r.delegate(ctx, code, assignee.AgentID, task.Description, env.SLA); err != nil {
		return err
	}
	out := r.taskEnvelope(env, code, task, assignee.AgentID, env.Context.ReplyTo, inbound)
	if err := r.bus.Publish(ctx, bus.AgentQueue(assignee.AgentID), out); err != nil {
		return fmt.Errorf("publish task %s to %s: %w", code, assignee.AgentID, err)
	}
	r.metrics.IncCounter("router.tasks_dispatched", 1, "agent_id", r.persona.AgentID)
	r.logger.Info(ctx, "task dispatched",
		"ref_code", code.String(), "assignee", assignee.AgentID, "capability", task.Capability)
	return nil
}

// dispatchWorkflow fans several tasks out under a parent workflow whose
// results flow back to the router's own queue for aggregation.
func (r *Router) dispatchWorkflow(ctx context.Context, env envelope.Envelope, dec Decomposition, inbound authority.Tier) error {
	parent, err := r.refcodes.Next(ctx)
	if err != nil {
		return fmt.Errorf("issue workflow reference code: %w", err)
	}
	children := make([]refcode.Code, len(dec.Tasks))
	for i := range dec.Tasks {
		code, err := r.refcodes.Next(ctx)
		if err != nil {
			return fmt.Errorf("issue reference code: %w", err)
		}
		children[i] = code
	}
	if err := r.workflows.Create(ctx, workflow.Record{
		ReferenceCode:         parent,
		OriginalEnvelope:      env.Clone(),
		SubtaskReferenceCodes: children,
		Summary:               dec.Summary,
		Status:                workflow.StatusInProgress,
		CreatedAt:             r.now().UTC(),
	}); err != nil {
		return fmt.Errorf("create workflow %s: %w", parent, err)
	}

	// Resolve every assignee before anything is published so an unroutable
	// task fails the whole workflow instead of dispatching a partial plan.
	assignees := make([]registry.Registration, len(dec.Tasks))
	for i, task := range dec.Tasks {
		reg, ok, err := r.selectAgent(ctx, task.Capability)
		if err != nil {
			return fmt.Errorf("find agent for %q: %w", task.Capability, err)
		}
		if !ok {
			if uerr := r.workflows.UpdateStatus(ctx, parent, workflow.StatusFailed); uerr != nil {
				r.logger.Error(ctx, "failed to mark workflow failed",
					"workflow", parent.String(), "err", uerr)
			}
			return r.escalate(ctx, env, fmt.Sprintf("workflow %s failed: no available agent for capability %q",
				parent, task.Capability))
		}
		assignees[i] = reg
	}

	replyTo := bus.AgentQueue(r.persona.AgentID)
	for i, task := range dec.Tasks {
		if err := r.delegate(ctx, children[i], assignees[i].AgentID, task.Description, env.SLA); err != nil {
			return err
		}
		out := r.taskEnvelope(env, children[i], task, assignees[i].AgentID, replyTo, inbound)
		if err := r.bus.Publish(ctx, bus.AgentQueue(assignees[i].AgentID), out); err != nil {
			return fmt.Errorf("publish task %s to %s: %w", children[i], assignees[i].AgentID, err)
		}
	}
	r.metrics.IncCounter("router.workflows_started", 1, "agent_id", r.persona.AgentID)
	r.logger.Info(ctx, "workflow dispatched", "workflow", parent.String(), "tasks", len(dec.Tasks))
	return nil
}

// handleSubtaskResult folds one sub-task result into its workflow and, when
// it is the last one, completes the workflow with an aggregate reply.
func (r *Router) handleSubtaskResult(ctx context.Context, env envelope.Envelope) error {
	rec, err := r.workflows.FindBySubtask(ctx, env.ReferenceCode)
	if err != nil {
		return fmt.Errorf("look up workflow for %s: %w", env.ReferenceCode, err)
	}
	if rec.Status != workflow.StatusInProgress {
		r.logger.Info(ctx, "ignoring result for settled workflow",
			"workflow", rec.ReferenceCode.String(), "subtask", env.ReferenceCode.String(),
			"status", string(rec.Status))
		return nil
	}
	if err := r.workflows.StoreSubtaskResult(ctx, env.ReferenceCode, env); err != nil {
		return fmt.Errorf("store result for %s: %w", env.ReferenceCode, err)
	}
	if err := r.delegations.UpdateStatus(ctx, env.ReferenceCode, delegation.StatusComplete); err != nil &&
		!errors.Is(err, delegation.ErrNotFound) {
		r.logger.Warn(ctx, "failed to complete delegation",
			"ref_code", env.ReferenceCode.String(), "err", err)
	}
	done, err := r.workflows.AllSubtasksComplete(ctx, rec.ReferenceCode)
	if err != nil {
		return fmt.Errorf("check workflow %s completion: %w", rec.ReferenceCode, err)
	}
	if !done {
		r.logger.Debug(ctx, "sub-task result stored",
			"workflow", rec.ReferenceCode.String(), "subtask", env.ReferenceCode.String())
		return nil
	}
	return r.completeWorkflow(ctx, rec)
}

// completeWorkflow marks the workflow done and replies to the original
// requester with one line per sub-task result. The status transition happens
// before the reply so a redelivered final result cannot aggregate twice.
func (r *Router) completeWorkflow(ctx context.Context, rec workflow.Record) error {
	if err := r.workflows.UpdateStatus(ctx, rec.ReferenceCode, workflow.StatusCompleted); err != nil {
		return fmt.Errorf("complete workflow %s: %w", rec.ReferenceCode, err)
	}
	r.metrics.IncCounter("router.workflows_completed", 1, "agent_id", r.persona.AgentID)
	results, err := r.workflows.GetCompletedResults(ctx, rec.ReferenceCode)
	if err != nil {
		return fmt.Errorf("collect workflow %s results: %w", rec.ReferenceCode, err)
	}
	replyTo := rec.OriginalEnvelope.Context.ReplyTo
	if replyTo == "" {
		r.logger.Warn(ctx, "dropping workflow reply, original envelope has no reply-to",
			"workflow", rec.ReferenceCode.String())
		return nil
	}
	meta := envelope.NewMeta()
	meta.CorrelationID = correlationOf(rec.OriginalEnvelope)
	reply := envelope.Envelope{
		Payload: envelope.TextMessage{
			Meta: meta,
			Text: aggregateText(rec, results),
		},
		ReferenceCode: rec.ReferenceCode,
		Context: envelope.Context{
			ParentMessageID: rec.OriginalEnvelope.Payload.Common().MessageID,
			TeamID:          rec.OriginalEnvelope.Context.TeamID,
			ChannelID:       rec.OriginalEnvelope.Context.ChannelID,
			FromAgentID:     r.persona.AgentID,
		},
		Priority: rec.OriginalEnvelope.Priority,
	}
	if err := r.bus.Publish(ctx, replyTo, reply); err != nil {
		return fmt.Errorf("publish workflow %s reply: %w", rec.ReferenceCode, err)
	}
	r.logger.Info(ctx, "workflow completed",
		"workflow", rec.ReferenceCode.String(), "results", len(results))
	return nil
}

// escalate records a delegation to the escalation target and forwards the
// envelope there under a fresh reference code. Escalation is a handled
// outcome: the inbound message is acknowledged, not dead-lettered.
func (r *Router) escalate(ctx context.Context, env envelope.Envelope, reason string) error {
	code, err := r.refcodes.Next(ctx)
	if err != nil {
		return fmt.Errorf("issue escalation reference code: %w", err)
	}
	if err := r.delegations.Delegate(ctx, delegation.Record{
		ReferenceCode: code,
		DelegatedBy:   r.persona.AgentID,
		DelegatedTo:   r.persona.EscalationTarget,
		Description:   "Escalated: " + reason,
		Status:        delegation.StatusAssigned,
		AssignedAt:    r.now().UTC(),
	}); err != nil {
		return fmt.Errorf("record escalation %s: %w", code, err)
	}
	out := env.Clone()
	out.ReferenceCode = code
	out.Context.FromAgentID = r.persona.AgentID
	if err := r.bus.Publish(ctx, r.persona.EscalationTarget, out); err != nil {
		return fmt.Errorf("publish escalation %s: %w", code, err)
	}
	r.metrics.IncCounter("router.escalations", 1, "agent_id", r.persona.AgentID)
	r.logger.Warn(ctx, "escalated", "ref_code", code.String(), "reason", reason)
	return nil
}

// selectAgent returns an available agent covering the capability. The router
// never assigns work to itself; ties break on lowest agent ID so routing is
// deterministic.
func (r *Router) selectAgent(ctx context.Context, capability string) (registry.Registration, bool, error) {
	regs, err := r.registry.FindByCapability(ctx, capability)
	if err != nil {
		return registry.Registration{}, false, err
	}
	var best *registry.Registration
	for i := range regs {
		if regs[i].AgentID == r.persona.AgentID {
			continue
		}
		if best == nil || regs[i].AgentID < best.AgentID {
			best = &regs[i]
		}
	}
	if best == nil {
		return registry.Registration{}, false, nil
	}
	return *best, true, nil
}

// delegate records one assignment. An envelope SLA becomes the due date so
// supervision can notice the task going stale.
func (r *Router) delegate(ctx context.Context, code refcode.Code, assignee, description string, sla time.Duration) error {
	rec := delegation.Record{
		ReferenceCode: code,
		DelegatedBy:   r.persona.AgentID,
		DelegatedTo:   assignee,
		Description:   description,
		Status:        delegation.StatusAssigned,
		AssignedAt:    r.now().UTC(),
	}
	if sla > 0 {
		rec.DueAt = rec.AssignedAt.Add(sla)
	}
	if err := r.delegations.Delegate(ctx, rec); err != nil {
		return fmt.Errorf("record delegation %s: %w", code, err)
	}
	return nil
}

// taskEnvelope derives the envelope one assignee receives. The inbound
// payload travels unchanged; the task description lives in the delegation
// record. The single attached claim is narrowed to the lower of the router's
// inbound tier and the tier the task asks for.
func (r *Router) taskEnvelope(env envelope.Envelope, code refcode.Code, task Task, assignee, replyTo string, inbound authority.Tier) envelope.Envelope {
	out := env.Clone()
	out.ReferenceCode = code
	out.AuthorityClaims = []authority.Claim{{
		GrantedBy: r.persona.AgentID,
		GrantedTo: assignee,
		Tier:      authority.MinTier(inbound, task.AuthorityTier),
		GrantedAt: r.now().UTC(),
	}}
	out.Context.OriginalGoal = originalGoal(env)
	out.Context.ReplyTo = replyTo
	out.Context.FromAgentID = r.persona.AgentID
	return out
}

// aggregateText renders the workflow reply: the summary, then one line per
// sub-task result in sub-task order.
func aggregateText(rec workflow.Record, results []workflow.Result) string {
	var b strings.Builder
	if rec.Summary != "" {
		b.WriteString(rec.Summary)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Completed %d of %d sub-tasks under %s:",
		len(results), len(rec.SubtaskReferenceCodes), rec.ReferenceCode)
	for _, res := range results {
		fmt.Fprintf(&b, "\n[%s] %s", res.ReferenceCode, envelope.Describe(res.Envelope.Payload))
	}
	return b.String()
}

// originalGoal preserves the first goal text across hops.
func originalGoal(env envelope.Envelope) string {
	if g := env.Context.OriginalGoal; g != "" {
		return g
	}
	return envelope.Describe(env.Payload)
}

// correlationOf threads replies and sub-tasks back to the root message.
func correlationOf(env envelope.Envelope) string {
	meta := env.Payload.Common()
	if meta.CorrelationID != "" {
		return meta.CorrelationID
	}
	return meta.MessageID
}

func renderEntries(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Content
	}
	return strings.Join(parts, "\n")
}
