package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"goa.design/troupe/runtime/registry"
)

func registration(agentID string, available bool, caps ...string) registry.Registration {
	capabilities := make([]registry.Capability, 0, len(caps))
	for _, name := range caps {
		capabilities = append(capabilities, registry.Capability{Name: name})
	}
	return registry.Registration{
		AgentID:      agentID,
		Name:         agentID,
		AgentType:    registry.AgentTypeAI,
		Capabilities: capabilities,
		RegisteredAt: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		IsAvailable:  available,
	}
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Register(ctx, registration("researcher", true, "research")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := s.Get(ctx, "researcher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "researcher" || !got.IsAvailable {
		t.Errorf("got %+v", got)
	}
	if !got.HasCapability("research") {
		t.Error("capability missing")
	}

	if _, err := s.Get(ctx, "unknown"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Register(ctx, registration("writer", true, "writing")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(ctx, registration("writer", false, "editing")); err != nil {
		t.Fatalf("Register again: %v", err)
	}

	got, err := s.Get(ctx, "writer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsAvailable {
		t.Error("second registration did not replace the first")
	}
	if got.HasCapability("writing") || !got.HasCapability("editing") {
		t.Errorf("capabilities = %+v", got.Capabilities)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List returned %d registrations, want 1", len(all))
	}
}

func TestFindByCapability(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, reg := range []registry.Registration{
		registration("researcher", true, "research"),
		registration("writer", true, "writing", "research"),
		registration("offline", false, "research"),
		registration("designer", true, "design"),
	} {
		if err := s.Register(ctx, reg); err != nil {
			t.Fatalf("Register %s: %v", reg.AgentID, err)
		}
	}

	found, err := s.FindByCapability(ctx, "research")
	if err != nil {
		t.Fatalf("FindByCapability: %v", err)
	}
	ids := make(map[string]bool, len(found))
	for _, reg := range found {
		ids[reg.AgentID] = true
	}
	if len(ids) != 2 || !ids["researcher"] || !ids["writer"] {
		t.Errorf("found %v, want researcher and writer", ids)
	}

	none, err := s.FindByCapability(ctx, "translation")
	if err != nil {
		t.Fatalf("FindByCapability: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("found %d agents for unknown capability", len(none))
	}
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Register(ctx, registration("researcher", true, "research")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.SetAvailability(ctx, "researcher", false); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	found, err := s.FindByCapability(ctx, "research")
	if err != nil {
		t.Fatalf("FindByCapability: %v", err)
	}
	if len(found) != 0 {
		t.Error("unavailable agent still matched by capability")
	}

	if err := s.SetAvailability(ctx, "unknown", true); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SetAvailability unknown = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.Register(ctx, registration("researcher", true, "research")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := s.Get(ctx, "researcher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Capabilities[0].Name = "mutated"

	again, err := s.Get(ctx, "researcher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !again.HasCapability("research") {
		t.Error("mutating a returned registration changed stored state")
	}
}
