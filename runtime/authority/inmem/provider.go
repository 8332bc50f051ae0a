// Package inmem provides the process-local authority provider.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/troupe/runtime/authority"
)

type (
	// Provider keeps claims in memory keyed by agent and action. Expired
	// claims are filtered at read time and evicted on access. Safe for
	// concurrent use.
	Provider struct {
		now func() time.Time

		mu     sync.Mutex
		claims map[claimKey]authority.Claim
	}

	// ProviderOption customizes a Provider.
	ProviderOption func(*Provider)

	claimKey struct {
		agentID string
		action  string
	}
)

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns an empty provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		now:    time.Now,
		claims: make(map[claimKey]authority.Claim),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ authority.Provider = (*Provider)(nil)

// Grant records the claim under each permitted action, or under the wildcard
// action when the claim names none.
func (p *Provider) Grant(ctx context.Context, claim authority.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	actions := claim.PermittedActions
	if len(actions) == 0 {
		actions = []string{authority.Wildcard}
	}
	for _, action := range actions {
		p.claims[claimKey{agentID: claim.GrantedTo, action: action}] = claim
	}
	return nil
}

// Revoke removes the grant for the agent and action.
func (p *Provider) Revoke(ctx context.Context, agentID, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, claimKey{agentID: agentID, action: action})
	return nil
}

// ClaimFor returns the claim covering the agent and action, preferring the
// specific grant over the wildcard. Expired grants encountered along the way
// are evicted.
func (p *Provider) ClaimFor(ctx context.Context, agentID, action string) (authority.Claim, bool, error) {
	if err := ctx.Err(); err != nil {
		return authority.Claim{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if claim, ok := p.lookup(claimKey{agentID: agentID, action: action}, now); ok {
		return claim, true, nil
	}
	if action != authority.Wildcard {
		if claim, ok := p.lookup(claimKey{agentID: agentID, action: authority.Wildcard}, now); ok {
			return claim, true, nil
		}
	}
	return authority.Claim{}, false, nil
}

// HasAuthority reports whether an unexpired claim covers the pair with at
// least the given tier.
func (p *Provider) HasAuthority(ctx context.Context, agentID, action string, minimum authority.Tier) (bool, error) {
	claim, ok, err := p.ClaimFor(ctx, agentID, action)
	if err != nil {
		return false, err
	}
	return ok && claim.Tier >= minimum, nil
}

// lookup returns the unexpired claim under key, deleting it when expired.
// Callers hold the lock.
func (p *Provider) lookup(key claimKey, now time.Time) (authority.Claim, bool) {
	claim, ok := p.claims[key]
	if !ok {
		return authority.Claim{}, false
	}
	if claim.Expired(now) {
		delete(p.claims, key)
		return authority.Claim{}, false
	}
	return claim, true
}
