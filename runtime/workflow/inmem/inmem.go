// Package inmem provides an in-memory implementation of the workflow tracker.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
	"goa.design/troupe/runtime/workflow"
)

type (
	// Tracker is an in-memory implementation of workflow.Tracker. A single
	// mutex guards records, the sub-task index, and cached results, which
	// serialises result storage against completion checks.
	Tracker struct {
		now func() time.Time

		mu      sync.Mutex
		records map[refcode.Code]workflow.Record
		parents map[refcode.Code]refcode.Code
		results map[refcode.Code]map[refcode.Code]envelope.Envelope
	}

	// Option customizes a Tracker.
	Option func(*Tracker)
)

// WithNow overrides the tracker's clock. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a new in-memory tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		records: make(map[refcode.Code]workflow.Record),
		parents: make(map[refcode.Code]refcode.Code),
		results: make(map[refcode.Code]map[refcode.Code]envelope.Envelope),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Compile-time check that Tracker implements workflow.Tracker.
var _ workflow.Tracker = (*Tracker)(nil)

// Create stores a record and indexes its sub-task codes. A record with the
// same parent code replaces the previous one and its index entries.
func (t *Tracker) Create(ctx context.Context, rec workflow.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, sub := range rec.SubtaskReferenceCodes {
		if sub == rec.ReferenceCode {
			return fmt.Errorf("workflow %s lists itself as a sub-task", rec.ReferenceCode)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.records[rec.ReferenceCode]; ok {
		for _, sub := range old.SubtaskReferenceCodes {
			delete(t.parents, sub)
		}
		delete(t.results, rec.ReferenceCode)
	}
	t.records[rec.ReferenceCode] = clone(rec)
	for _, sub := range rec.SubtaskReferenceCodes {
		t.parents[sub] = rec.ReferenceCode
	}
	return nil
}

// Get retrieves a workflow by its parent reference code.
func (t *Tracker) Get(ctx context.Context, parent refcode.Code) (workflow.Record, error) {
	if err := ctx.Err(); err != nil {
		return workflow.Record{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[parent]
	if !ok {
		return workflow.Record{}, workflow.ErrNotFound
	}
	return clone(rec), nil
}

// FindBySubtask retrieves the workflow owning a sub-task code.
func (t *Tracker) FindBySubtask(ctx context.Context, subtask refcode.Code) (workflow.Record, error) {
	if err := ctx.Err(); err != nil {
		return workflow.Record{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.parents[subtask]
	if !ok {
		return workflow.Record{}, workflow.ErrNotFound
	}
	return clone(t.records[parent]), nil
}

// UpdateStatus replaces the record with one carrying the new status.
func (t *Tracker) UpdateStatus(ctx context.Context, parent refcode.Code, status workflow.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[parent]
	if !ok {
		return workflow.ErrNotFound
	}
	rec.Status = status
	if status == workflow.StatusCompleted {
		rec.CompletedAt = t.now().UTC()
	}
	t.records[parent] = rec
	return nil
}

// StoreSubtaskResult caches a sub-task's reply.
func (t *Tracker) StoreSubtaskResult(ctx context.Context, subtask refcode.Code, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.parents[subtask]
	if !ok {
		return workflow.ErrNotFound
	}
	byParent, ok := t.results[parent]
	if !ok {
		byParent = make(map[refcode.Code]envelope.Envelope)
		t.results[parent] = byParent
	}
	byParent[subtask] = env.Clone()
	return nil
}

// GetCompletedResults returns the stored results in sub-task order.
func (t *Tracker) GetCompletedResults(ctx context.Context, parent refcode.Code) ([]workflow.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[parent]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	byParent := t.results[parent]
	out := make([]workflow.Result, 0, len(byParent))
	for _, sub := range rec.SubtaskReferenceCodes {
		env, ok := byParent[sub]
		if !ok {
			continue
		}
		out = append(out, workflow.Result{ReferenceCode: sub, Envelope: env.Clone()})
	}
	return out, nil
}

// AllSubtasksComplete reports whether every sub-task has a stored result.
func (t *Tracker) AllSubtasksComplete(ctx context.Context, parent refcode.Code) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[parent]
	if !ok {
		return false, workflow.ErrNotFound
	}
	byParent := t.results[parent]
	for _, sub := range rec.SubtaskReferenceCodes {
		if _, ok := byParent[sub]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// clone copies the record so callers cannot alias stored state.
func clone(rec workflow.Record) workflow.Record {
	if len(rec.SubtaskReferenceCodes) > 0 {
		subs := make([]refcode.Code, len(rec.SubtaskReferenceCodes))
		copy(subs, rec.SubtaskReferenceCodes)
		rec.SubtaskReferenceCodes = subs
	}
	rec.OriginalEnvelope = rec.OriginalEnvelope.Clone()
	return rec
}
