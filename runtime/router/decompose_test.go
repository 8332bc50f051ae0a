package router

import (
	"strings"
	"testing"

	"goa.design/troupe/runtime/authority"
)

func TestParseDecomposition(t *testing.T) {
	t.Run("typed value passes through", func(t *testing.T) {
		want := Decomposition{
			Tasks:      []Task{{Capability: "research", Description: "Dig in"}},
			Summary:    "One dig",
			Confidence: 0.8,
		}
		dec, err := ParseDecomposition(want)
		if err != nil {
			t.Fatalf("ParseDecomposition: %v", err)
		}
		if dec.Summary != want.Summary || len(dec.Tasks) != 1 {
			t.Errorf("got %+v", dec)
		}
	})

	t.Run("json string", func(t *testing.T) {
		raw := `{"tasks":[{"capability":"email-drafting","description":"Draft it","authority_tier":"AskMeFirst"}],"summary":"One email","confidence":0.8}`
		dec, err := ParseDecomposition(raw)
		if err != nil {
			t.Fatalf("ParseDecomposition: %v", err)
		}
		if len(dec.Tasks) != 1 {
			t.Fatalf("tasks %d, want 1", len(dec.Tasks))
		}
		if dec.Tasks[0].AuthorityTier != authority.TierAskMeFirst {
			t.Errorf("tier %v, want AskMeFirst", dec.Tasks[0].AuthorityTier)
		}
		if dec.Summary != "One email" || dec.Confidence != 0.8 {
			t.Errorf("got %+v", dec)
		}
	})

	t.Run("omitted tier defaults to JustDoIt", func(t *testing.T) {
		dec, err := ParseDecomposition(`{"tasks":[{"capability":"x","description":"y"}],"confidence":0.5}`)
		if err != nil {
			t.Fatalf("ParseDecomposition: %v", err)
		}
		if dec.Tasks[0].AuthorityTier != authority.TierJustDoIt {
			t.Errorf("tier %v, want JustDoIt", dec.Tasks[0].AuthorityTier)
		}
	})

	t.Run("generic map", func(t *testing.T) {
		raw := map[string]any{
			"tasks": []any{
				map[string]any{"capability": "research", "description": "Dig in"},
			},
			"confidence": 0.9,
		}
		dec, err := ParseDecomposition(raw)
		if err != nil {
			t.Fatalf("ParseDecomposition: %v", err)
		}
		if len(dec.Tasks) != 1 || dec.Tasks[0].Capability != "research" {
			t.Errorf("got %+v", dec)
		}
	})

	t.Run("raw bytes", func(t *testing.T) {
		dec, err := ParseDecomposition([]byte(`{"tasks":[],"confidence":0.1}`))
		if err != nil {
			t.Fatalf("ParseDecomposition: %v", err)
		}
		if dec.Confidence != 0.1 {
			t.Errorf("confidence %v", dec.Confidence)
		}
	})
}

func TestParseDecompositionRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want string
	}{
		{"nil result", nil, "empty"},
		{"not json", "let me think about that", "not valid JSON"},
		{"missing confidence", `{"tasks":[]}`, "schema"},
		{"task missing description", `{"tasks":[{"capability":"x"}],"confidence":0.5}`, "schema"},
		{"unknown tier", `{"tasks":[{"capability":"x","description":"y","authority_tier":"WhoKnows"}],"confidence":0.5}`, "schema"},
		{"confidence out of range", `{"tasks":[],"confidence":1.5}`, "schema"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDecomposition(tc.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMaxPlannedTier(t *testing.T) {
	dec := Decomposition{Tasks: []Task{
		{Capability: "a", Description: "a", AuthorityTier: authority.TierJustDoIt},
		{Capability: "b", Description: "b", AuthorityTier: authority.TierAskMeFirst},
		{Capability: "c", Description: "c", AuthorityTier: authority.TierDoItAndShowMe},
	}}
	if got := maxPlannedTier(dec); got != authority.TierAskMeFirst {
		t.Errorf("max planned tier %v, want AskMeFirst", got)
	}
	if got := maxPlannedTier(Decomposition{}); got != authority.TierJustDoIt {
		t.Errorf("empty plan tier %v, want JustDoIt", got)
	}
}
