// Package workflow tracks multi-task decompositions.
//
// A workflow groups a parent reference code with the child reference codes of
// its concurrently-dispatched sub-tasks. The tracker maintains an inverted
// index from sub-task code to parent so replies can be classified in one
// lookup, and caches sub-task results until the set is complete.
package workflow

import (
	"context"
	"errors"
	"time"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
)

// ErrNotFound is returned when no workflow matches a reference code.
var ErrNotFound = errors.New("workflow not found")

type (
	// Status represents the lifecycle state of a workflow.
	Status string

	// Record describes one multi-task workflow, keyed by the parent
	// reference code. Records are immutable: status changes store a new
	// record in place of the old one.
	Record struct {
		ReferenceCode         refcode.Code
		OriginalEnvelope      envelope.Envelope
		SubtaskReferenceCodes []refcode.Code
		Summary               string
		Status                Status
		CreatedAt             time.Time
		CompletedAt           time.Time
	}

	// Result pairs a sub-task reference code with the reply it produced.
	Result struct {
		ReferenceCode refcode.Code
		Envelope      envelope.Envelope
	}

	// Tracker stores workflow records and their sub-task results.
	// Implementations must be safe for concurrent use and must serialise
	// result storage per workflow so completion checks stay consistent
	// with stored results.
	Tracker interface {
		// Create stores a record and indexes its sub-task codes.
		Create(ctx context.Context, rec Record) error

		// Get retrieves a workflow by its parent reference code. Returns
		// ErrNotFound for unknown codes; a sub-task code is not a parent
		// code.
		Get(ctx context.Context, parent refcode.Code) (Record, error)

		// FindBySubtask retrieves the workflow owning a sub-task code.
		// Returns ErrNotFound for unknown codes, parent codes included.
		FindBySubtask(ctx context.Context, subtask refcode.Code) (Record, error)

		// UpdateStatus replaces the record with one carrying the new
		// status. Transitioning to StatusCompleted records the completion
		// time. Returns ErrNotFound for unknown parent codes.
		UpdateStatus(ctx context.Context, parent refcode.Code, status Status) error

		// StoreSubtaskResult caches a sub-task's reply. Storing a second
		// result for the same sub-task replaces the first. Returns
		// ErrNotFound when the code belongs to no workflow.
		StoreSubtaskResult(ctx context.Context, subtask refcode.Code, env envelope.Envelope) error

		// GetCompletedResults returns the stored results in the order the
		// record lists its sub-tasks, skipping sub-tasks without one.
		GetCompletedResults(ctx context.Context, parent refcode.Code) ([]Result, error)

		// AllSubtasksComplete reports whether every sub-task has a stored
		// result.
		AllSubtasksComplete(ctx context.Context, parent refcode.Code) (bool, error)
	}
)

const (
	// StatusInProgress indicates sub-tasks are still outstanding.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates every sub-task replied and the aggregate
	// reply was sent.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the workflow could not be dispatched.
	StatusFailed Status = "failed"
)
