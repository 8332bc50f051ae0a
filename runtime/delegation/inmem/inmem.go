// Package inmem provides in-memory implementations of the delegation tracker
// and retry counter.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/troupe/runtime/delegation"
	"goa.design/troupe/runtime/refcode"
)

type (
	// Tracker is an in-memory implementation of delegation.Tracker. It is
	// safe for concurrent use.
	Tracker struct {
		now func() time.Time

		mu      sync.RWMutex
		records map[refcode.Code]delegation.Record
	}

	// TrackerOption customizes a Tracker.
	TrackerOption func(*Tracker)

	// Counter is an in-memory implementation of delegation.RetryCounter.
	// It is safe for concurrent use.
	Counter struct {
		mu     sync.Mutex
		counts map[refcode.Code]int
	}
)

// WithNow overrides the tracker's clock. Used in tests.
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a new in-memory tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		now:     time.Now,
		records: make(map[refcode.Code]delegation.Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Compile-time check that Tracker implements delegation.Tracker.
var _ delegation.Tracker = (*Tracker)(nil)

// Delegate stores a record.
func (t *Tracker) Delegate(ctx context.Context, rec delegation.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ReferenceCode] = rec
	return nil
}

// UpdateStatus replaces the record with one carrying the new status.
func (t *Tracker) UpdateStatus(ctx context.Context, code refcode.Code, status delegation.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[code]
	if !ok {
		return delegation.ErrNotFound
	}
	rec.Status = status
	if status == delegation.StatusComplete {
		rec.CompletedAt = t.now().UTC()
	}
	t.records[code] = rec
	return nil
}

// GetByAssignee returns every record delegated to the agent.
func (t *Tracker) GetByAssignee(ctx context.Context, agentID string) ([]delegation.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]delegation.Record, 0)
	for _, rec := range t.records {
		if rec.DelegatedTo == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetOverdue returns records past their due date that are not complete.
func (t *Tracker) GetOverdue(ctx context.Context) ([]delegation.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]delegation.Record, 0)
	for _, rec := range t.records {
		if rec.Overdue(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// NewCounter creates a new in-memory retry counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[refcode.Code]int)}
}

// Compile-time check that Counter implements delegation.RetryCounter.
var _ delegation.RetryCounter = (*Counter)(nil)

// Increment adds one to the count and returns the new value.
func (c *Counter) Increment(ctx context.Context, code refcode.Code) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[code]++
	return c.counts[code], nil
}

// Get returns the current count.
func (c *Counter) Get(ctx context.Context, code refcode.Code) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[code], nil
}

// Reset clears the count.
func (c *Counter) Reset(ctx context.Context, code refcode.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, code)
	return nil
}
