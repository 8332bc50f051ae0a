package router

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPlanStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPlanStore()
	code := mustCode(t, 1)

	if _, err := s.Get(ctx, code); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("Get on empty store: %v, want ErrPlanNotFound", err)
	}

	plan := PendingPlan{
		OriginalEnvelope: goalEnvelope("Do the thing", "slack.c42"),
		Decomposition: Decomposition{
			Tasks:      []Task{{Capability: "research", Description: "Dig in"}},
			Confidence: 0.9,
		},
		StoredAt: testDay,
	}
	if err := s.Store(ctx, code, plan); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := s.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OriginalEnvelope.Context.ReplyTo != "slack.c42" {
		t.Errorf("reply-to %q", got.OriginalEnvelope.Context.ReplyTo)
	}
	if len(got.Decomposition.Tasks) != 1 || !got.StoredAt.Equal(testDay) {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned plan must not leak into the store.
	got.Decomposition.Tasks[0].Capability = "sabotage"
	again, err := s.Get(ctx, code)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Decomposition.Tasks[0].Capability != "research" {
		t.Error("stored plan mutated through a returned copy")
	}

	if err := s.Remove(ctx, code); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, code); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("Get after Remove: %v, want ErrPlanNotFound", err)
	}
	// Removing an absent plan is not an error.
	if err := s.Remove(ctx, code); err != nil {
		t.Errorf("Remove absent plan: %v", err)
	}
}
