package refcode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/troupe/runtime/telemetry"
)

// ErrSequenceExhausted reports that the daily sequence limit was reached.
// There is no in-band recovery; the caller surfaces the condition.
var ErrSequenceExhausted = errors.New("daily reference code sequence exhausted")

type (
	// SequenceStore persists the generator state as a (day, sequence) pair.
	// Implementations must be safe for concurrent use; the generator
	// serializes load/save itself so stores never observe interleaved
	// read-modify-write cycles from a single generator.
	SequenceStore interface {
		// Load returns the persisted day and sequence. A store with no
		// persisted state returns the zero date and zero sequence.
		Load(ctx context.Context) (Date, int, error)
		// Save persists the day and sequence.
		Save(ctx context.Context, date Date, seq int) error
	}

	// Generator issues reference codes. Each call returns a distinct code;
	// sequences are strictly monotonic within a UTC day and reset to 1 on
	// rollover. Safe for concurrent use.
	Generator struct {
		store  SequenceStore
		logger telemetry.Logger
		now    func() time.Time

		mu sync.Mutex
	}

	// GeneratorOption customizes a Generator.
	GeneratorOption func(*Generator)
)

// WithLogger sets the logger used for corrupt-state warnings.
func WithLogger(logger telemetry.Logger) GeneratorOption {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithNow overrides the clock. Used by tests to drive day rollover.
func WithNow(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGenerator builds a generator over the given store.
func NewGenerator(store SequenceStore, opts ...GeneratorOption) (*Generator, error) {
	if store == nil {
		return nil, errors.New("sequence store is required")
	}
	g := &Generator{
		store:  store,
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next issues the next reference code for the current UTC day. The critical
// section covers load, increment and save so concurrent callers always see
// distinct, strictly increasing sequences.
func (g *Generator) Next(ctx context.Context) (Code, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Code{}, err
	}
	today := DateOf(g.now())
	date, seq, err := g.store.Load(ctx)
	if err != nil {
		return Code{}, fmt.Errorf("load sequence state: %w", err)
	}
	if seq < 0 || seq > MaxSequence {
		g.logger.Warn(ctx, "corrupt sequence state, restarting at zero", "sequence", seq, "date", date.String())
		seq = 0
	}
	if date != today {
		seq = 0
	}
	if seq >= MaxSequence {
		return Code{}, fmt.Errorf("%w: day %s", ErrSequenceExhausted, today)
	}
	seq++
	if err := g.store.Save(ctx, today, seq); err != nil {
		return Code{}, fmt.Errorf("save sequence state: %w", err)
	}
	code, err := New(today, seq)
	if err != nil {
		return Code{}, err
	}
	return code, nil
}
