// Package delegation tracks work handed from one agent to another.
//
// A delegation record is immutable: status changes store a new record in
// place of the old one. Retry counts live in a separate counter so the
// records stay immutable while supervision remains operational.
package delegation

import (
	"context"
	"errors"
	"time"

	"goa.design/troupe/runtime/refcode"
)

// ErrNotFound is returned when no delegation exists for a reference code.
var ErrNotFound = errors.New("delegation not found")

type (
	// Status represents the lifecycle state of a delegation.
	Status string

	// Record describes one delegated task, keyed by its reference code.
	Record struct {
		ReferenceCode refcode.Code `json:"reference_code"`
		DelegatedBy   string       `json:"delegated_by"`
		DelegatedTo   string       `json:"delegated_to"`
		Description   string       `json:"description"`
		Status        Status       `json:"status"`
		AssignedAt    time.Time    `json:"assigned_at"`
		DueAt         time.Time    `json:"due_at,omitzero"`
		CompletedAt   time.Time    `json:"completed_at,omitzero"`
	}

	// Tracker stores delegation records. Implementations must be safe for
	// concurrent use and must replace records atomically.
	Tracker interface {
		// Delegate stores a record. A record with the same reference code
		// replaces the previous one.
		Delegate(ctx context.Context, rec Record) error

		// UpdateStatus replaces the record with one carrying the new
		// status. Transitioning to StatusComplete records the completion
		// time. Returns ErrNotFound for unknown reference codes.
		UpdateStatus(ctx context.Context, code refcode.Code, status Status) error

		// GetByAssignee returns every record delegated to the agent.
		GetByAssignee(ctx context.Context, agentID string) ([]Record, error)

		// GetOverdue returns records whose due date has passed and whose
		// status is not StatusComplete. Records without a due date are
		// never overdue.
		GetOverdue(ctx context.Context) ([]Record, error)
	}

	// RetryCounter counts supervision retries per reference code.
	// Independent reference codes must not share a count.
	RetryCounter interface {
		// Increment adds one to the count and returns the new value.
		Increment(ctx context.Context, code refcode.Code) (int, error)

		// Get returns the current count, zero if never incremented.
		Get(ctx context.Context, code refcode.Code) (int, error)

		// Reset clears the count.
		Reset(ctx context.Context, code refcode.Code) error
	}
)

const (
	// StatusAssigned indicates the task has been handed off but not picked up.
	StatusAssigned Status = "assigned"
	// StatusInProgress indicates the assignee is working on the task.
	StatusInProgress Status = "in_progress"
	// StatusAwaitingReview indicates the work is done pending review.
	StatusAwaitingReview Status = "awaiting_review"
	// StatusComplete indicates the task is finished.
	StatusComplete Status = "complete"
	// StatusOverdue indicates supervision flagged the task as late.
	StatusOverdue Status = "overdue"
)

// Overdue reports whether the record is past its due date and not complete
// at the given time.
func (r Record) Overdue(now time.Time) bool {
	return !r.DueAt.IsZero() && r.DueAt.Before(now) && r.Status != StatusComplete
}
