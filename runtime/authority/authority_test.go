package authority

import (
	"errors"
	"testing"
	"time"
)

func TestTierOrdering(t *testing.T) {
	if !(TierJustDoIt < TierDoItAndShowMe && TierDoItAndShowMe < TierAskMeFirst) {
		t.Fatal("tier total order violated")
	}
	if got := MinTier(TierAskMeFirst, TierJustDoIt); got != TierJustDoIt {
		t.Errorf("MinTier = %v", got)
	}
	if got := MaxTier(TierDoItAndShowMe, TierAskMeFirst); got != TierAskMeFirst {
		t.Errorf("MaxTier = %v", got)
	}
}

func TestTierText(t *testing.T) {
	for _, name := range []string{"JustDoIt", "DoItAndShowMe", "AskMeFirst"} {
		tier, err := ParseTier(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if tier.String() != name {
			t.Errorf("String() = %q, want %q", tier.String(), name)
		}
		b, err := tier.MarshalText()
		if err != nil {
			t.Fatalf("marshal %q: %v", name, err)
		}
		var back Tier
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %q: %v", b, err)
		}
		if back != tier {
			t.Errorf("round trip changed %v to %v", tier, back)
		}
	}

	if _, err := ParseTier("DoWhatever"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("ParseTier(unknown) = %v, want ErrUnknownTier", err)
	}
}

func TestClaimExpired(t *testing.T) {
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)

	open := Claim{GrantedTo: "cos", Tier: TierJustDoIt}
	if open.Expired(now) {
		t.Error("claim without expiry reported expired")
	}

	timed := Claim{GrantedTo: "cos", Tier: TierJustDoIt, ExpiresAt: now.Add(time.Minute)}
	if timed.Expired(now) {
		t.Error("claim expired before its deadline")
	}
	if !timed.Expired(now.Add(2 * time.Minute)) {
		t.Error("claim not expired after its deadline")
	}
}
