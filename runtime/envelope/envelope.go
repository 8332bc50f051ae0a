// Package envelope defines the immutable transport record that moves between
// agents: a tagged payload plus the reference code, authority claims and
// routing context that travel with it. Envelopes cross the bus as tagged JSON
// so any broker that round-trips bytes can carry them.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/troupe/runtime/authority"
	"goa.design/troupe/runtime/refcode"
)

// Priority orders competing work on a queue. Higher is more urgent.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

type (
	// Context carries reply routing and provenance. FromAgentID is stamped
	// by whoever publishes the envelope, never by the recipient.
	Context struct {
		ParentMessageID string `json:"parent_message_id,omitempty"`
		OriginalGoal    string `json:"original_goal,omitempty"`
		TeamID          string `json:"team_id,omitempty"`
		ChannelID       string `json:"channel_id,omitempty"`
		ReplyTo         string `json:"reply_to,omitempty"`
		FromAgentID     string `json:"from_agent_id,omitempty"`
	}

	// Envelope wraps one payload for transit. Treat envelopes as immutable:
	// derive new ones with Clone and field updates instead of mutating a
	// shared value.
	Envelope struct {
		Payload         Payload
		ReferenceCode   refcode.Code
		AuthorityClaims []authority.Claim
		Context         Context
		Priority        Priority
		SLA             time.Duration
	}

	// Meta carries the identity fields every payload shares. Embed it in
	// each variant.
	Meta struct {
		MessageID     string    `json:"message_id"`
		Timestamp     time.Time `json:"timestamp"`
		CorrelationID string    `json:"correlation_id,omitempty"`
	}

	// Kind tags a payload variant on the wire.
	Kind string

	// Payload is the closed set of message bodies agents exchange.
	Payload interface {
		Kind() Kind
		Common() Meta
	}

	// TextMessage is free-form text, the default payload for goals and
	// replies.
	TextMessage struct {
		Meta
		Text string `json:"text"`
	}

	// PlanProposal asks a human to approve a decomposed plan before any
	// sub-task is dispatched.
	PlanProposal struct {
		Meta
		Summary          string       `json:"summary"`
		TaskDescriptions []string     `json:"task_descriptions"`
		OriginalGoal     string       `json:"original_goal"`
		WorkflowRefCode  refcode.Code `json:"workflow_ref_code"`
	}

	// PlanApprovalResponse answers a PlanProposal.
	PlanApprovalResponse struct {
		Meta
		IsApproved      bool         `json:"is_approved"`
		RejectionReason string       `json:"rejection_reason,omitempty"`
		WorkflowRefCode refcode.Code `json:"workflow_ref_code"`
	}

	// SupervisionAlert reports an overdue delegation that is still within
	// its retry budget.
	SupervisionAlert struct {
		Meta
		DelegationRefCode refcode.Code `json:"delegation_ref_code"`
		DelegatedTo       string       `json:"delegated_to"`
		Description       string       `json:"description"`
		RetryCount        int          `json:"retry_count"`
		DueAt             time.Time    `json:"due_at,omitzero"`
		IsAgentRunning    bool         `json:"is_agent_running"`
	}

	// EscalationAlert reports a delegation that exhausted its retries or a
	// goal the router could not place.
	EscalationAlert struct {
		Meta
		DelegationRefCode refcode.Code `json:"delegation_ref_code"`
		DelegatedTo       string       `json:"delegated_to"`
		Description       string       `json:"description"`
		RetryCount        int          `json:"retry_count"`
		Reason            string       `json:"reason"`
	}
)

const (
	KindText             Kind = "text"
	KindPlanProposal     Kind = "plan_proposal"
	KindPlanApproval     Kind = "plan_approval_response"
	KindSupervisionAlert Kind = "supervision_alert"
	KindEscalationAlert  Kind = "escalation_alert"
)

// NewMeta stamps a fresh message identity.
func NewMeta() Meta {
	return Meta{MessageID: uuid.NewString(), Timestamp: time.Now().UTC()}
}

// Common returns the shared identity fields.
func (m Meta) Common() Meta { return m }

// Kind implements Payload.
func (TextMessage) Kind() Kind { return KindText }

// Kind implements Payload.
func (PlanProposal) Kind() Kind { return KindPlanProposal }

// Kind implements Payload.
func (PlanApprovalResponse) Kind() Kind { return KindPlanApproval }

// Kind implements Payload.
func (SupervisionAlert) Kind() Kind { return KindSupervisionAlert }

// Kind implements Payload.
func (EscalationAlert) Kind() Kind { return KindEscalationAlert }

// Clone returns a deep copy of the envelope's mutable parts. Payloads are
// immutable by convention and shared.
func (e Envelope) Clone() Envelope {
	out := e
	if len(e.AuthorityClaims) > 0 {
		out.AuthorityClaims = make([]authority.Claim, len(e.AuthorityClaims))
		copy(out.AuthorityClaims, e.AuthorityClaims)
	}
	return out
}

// Describe renders a payload as a short human-readable line. The router uses
// it for original-goal capture, escalation summaries and result aggregation.
func Describe(p Payload) string {
	switch v := p.(type) {
	case TextMessage:
		return v.Text
	case PlanProposal:
		return fmt.Sprintf("plan %s: %s (%d tasks)", v.WorkflowRefCode, v.Summary, len(v.TaskDescriptions))
	case PlanApprovalResponse:
		if v.IsApproved {
			return fmt.Sprintf("plan %s approved", v.WorkflowRefCode)
		}
		reason := v.RejectionReason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Sprintf("plan %s rejected: %s", v.WorkflowRefCode, reason)
	case SupervisionAlert:
		return fmt.Sprintf("delegation %s to %s overdue (retry %d): %s", v.DelegationRefCode, v.DelegatedTo, v.RetryCount, v.Description)
	case EscalationAlert:
		return fmt.Sprintf("delegation %s to %s escalated (%s): %s", v.DelegationRefCode, v.DelegatedTo, v.Reason, v.Description)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%s message", p.Kind()))
	}
}
