package reconcile

import (
	"fmt"
	"strings"
	"sync"
)

// Plan describes a provider price mapped to an internal tier.
type Plan struct {
	// PriceID is the provider's price identifier (e.g. "price_starter")
	PriceID string

	// Name is the internal plan name recorded in history entries
	Name string

	// Tier is the entitlement tier this plan grants
	Tier Tier

	// AccessLevel orders tiers for comparison (higher = more access)
	AccessLevel int

	// AmountCents is the recurring charge in the smallest currency unit
	AmountCents int64

	// Currency is the ISO currency code (e.g. "usd")
	Currency string

	// Interval is the billing interval (e.g. "month", "year")
	Interval string
}

// PlanResolver is a pure, side-effect-free mapping from provider price IDs to
// plans. Unmapped price IDs are an explicit error, never a guessed fallback
// tier: a webhook for an unknown price must fail visibly so an operator can
// extend the mapping and retry.
type PlanResolver struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewPlanResolver creates a resolver from the configured plan table.
// Price IDs are matched case-insensitively.
func NewPlanResolver(plans []Plan) *PlanResolver {
	r := &PlanResolver{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		r.plans[normalizePriceID(p.PriceID)] = p
	}
	return r
}

// Resolve maps a provider price ID to its plan.
// Returns ErrUnknownPlan when the price ID is not configured.
func (r *PlanResolver) Resolve(priceID string) (Plan, error) {
	key := normalizePriceID(priceID)
	if key == "" {
		return Plan{}, fmt.Errorf("%w: empty price id", ErrUnknownPlan)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	plan, ok := r.plans[key]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, priceID)
	}
	return plan, nil
}

// Register adds or replaces a plan mapping. Operators use this to fix an
// unknown-plan failure before re-driving the event.
func (r *PlanResolver) Register(plan Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[normalizePriceID(plan.PriceID)] = plan
}

func normalizePriceID(priceID string) string {
	return strings.ToLower(strings.TrimSpace(priceID))
}
