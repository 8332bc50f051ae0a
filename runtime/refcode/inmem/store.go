// Package inmem provides a process-local sequence store. State does not
// survive restarts; use one of the durable stores under features/sequence for
// deployments that must not reuse sequences after a crash.
package inmem

import (
	"context"
	"sync"

	"goa.design/troupe/runtime/refcode"
)

// Store holds the generator state in memory. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	date refcode.Date
	seq  int
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

var _ refcode.SequenceStore = (*Store)(nil)

// Load returns the stored day and sequence.
func (s *Store) Load(ctx context.Context) (refcode.Date, int, error) {
	if err := ctx.Err(); err != nil {
		return refcode.Date{}, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.date, s.seq, nil
}

// Save replaces the stored day and sequence.
func (s *Store) Save(ctx context.Context, date refcode.Date, seq int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date
	s.seq = seq
	return nil
}
