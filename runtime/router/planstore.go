package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/refcode"
)

// ErrPlanNotFound reports a pending plan absent from the store.
var ErrPlanNotFound = errors.New("pending plan not found")

type (
	// PendingPlan parks a gated decomposition together with the envelope
	// that produced it until a PlanApprovalResponse settles its fate.
	PendingPlan struct {
		OriginalEnvelope envelope.Envelope
		Decomposition    Decomposition
		StoredAt         time.Time
	}

	// PlanStore persists pending plans keyed by the reference code the
	// proposal was published under. Implementations must be safe for
	// concurrent use.
	PlanStore interface {
		// Store saves the plan under the code, replacing any previous plan.
		Store(ctx context.Context, code refcode.Code, plan PendingPlan) error

		// Get returns the plan stored under the code or ErrPlanNotFound.
		Get(ctx context.Context, code refcode.Code) (PendingPlan, error)

		// Remove deletes the plan. Removing an absent plan is not an error.
		Remove(ctx context.Context, code refcode.Code) error
	}
)

// MemoryPlanStore is the in-process PlanStore.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[refcode.Code]PendingPlan
}

var _ PlanStore = (*MemoryPlanStore)(nil)

// NewMemoryPlanStore creates an empty in-process plan store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[refcode.Code]PendingPlan)}
}

// Store implements PlanStore.
func (s *MemoryPlanStore) Store(ctx context.Context, code refcode.Code, plan PendingPlan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[code] = clonePlan(plan)
	return nil
}

// Get implements PlanStore.
func (s *MemoryPlanStore) Get(ctx context.Context, code refcode.Code) (PendingPlan, error) {
	if err := ctx.Err(); err != nil {
		return PendingPlan{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[code]
	if !ok {
		return PendingPlan{}, ErrPlanNotFound
	}
	return clonePlan(plan), nil
}

// Remove implements PlanStore.
func (s *MemoryPlanStore) Remove(ctx context.Context, code refcode.Code) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, code)
	return nil
}

func clonePlan(plan PendingPlan) PendingPlan {
	plan.OriginalEnvelope = plan.OriginalEnvelope.Clone()
	plan.Decomposition = plan.Decomposition.clone()
	return plan
}
