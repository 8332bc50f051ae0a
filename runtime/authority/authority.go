// Package authority models tiered authority claims and the provider that
// stores and validates them. A claim grants one agent a tier of autonomy over
// a set of actions; the empty action set means the claim covers every action
// (wildcard). Tiers form a total order so callers can require a minimum tier
// and emitters can narrow claims before propagating them.
package authority

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Wildcard is the action name matching every action.
const Wildcard = "*"

// Tier is an autonomy level. Higher tiers demand more oversight: JustDoIt
// work proceeds silently, DoItAndShowMe work reports back, AskMeFirst work
// needs explicit approval before it starts.
type Tier int

const (
	TierJustDoIt Tier = iota
	TierDoItAndShowMe
	TierAskMeFirst
)

var tierNames = map[Tier]string{
	TierJustDoIt:      "JustDoIt",
	TierDoItAndShowMe: "DoItAndShowMe",
	TierAskMeFirst:    "AskMeFirst",
}

// ErrUnknownTier reports a tier name outside the closed set.
var ErrUnknownTier = errors.New("unknown authority tier")

// ParseTier decodes the textual tier form.
func ParseTier(s string) (Tier, error) {
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// String renders the textual tier form.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	name, ok := tierNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	tier, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = tier
	return nil
}

// MinTier returns the lower of two tiers.
func MinTier(a, b Tier) Tier {
	if a < b {
		return a
	}
	return b
}

// MaxTier returns the higher of two tiers.
func MaxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// Claim grants an agent a tier of autonomy over a set of actions. Claims are
// immutable values; an empty PermittedActions slice makes the claim a
// wildcard. A zero ExpiresAt means the claim never expires.
type Claim struct {
	GrantedBy        string    `json:"granted_by"`
	GrantedTo        string    `json:"granted_to"`
	Tier             Tier      `json:"tier"`
	PermittedActions []string  `json:"permitted_actions,omitempty"`
	GrantedAt        time.Time `json:"granted_at"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the claim has lapsed at the given instant. Claims
// without an expiry never lapse.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// Provider stores and answers authority claims. Implementations must be safe
// for concurrent use and must treat expired claims as absent at read time.
type Provider interface {
	// Grant records a claim. A claim with no permitted actions is stored as
	// a wildcard grant.
	Grant(ctx context.Context, claim Claim) error

	// Revoke removes the grant for the given agent and action. Revoking the
	// wildcard action removes only the wildcard grant.
	Revoke(ctx context.Context, agentID, action string) error

	// ClaimFor returns the claim covering the given agent and action. The
	// specific grant wins over the wildcard grant. The second result is
	// false when no unexpired claim covers the pair.
	ClaimFor(ctx context.Context, agentID, action string) (Claim, bool, error)

	// HasAuthority reports whether an unexpired claim covers the pair with
	// at least the given tier.
	HasAuthority(ctx context.Context, agentID, action string, minimum Tier) (bool, error)
}
