package reconcile_test

import (
	"errors"
	"testing"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func TestPlanResolverResolve(t *testing.T) {
	resolver := reconcile.NewPlanResolver(testPlans())

	tests := []struct {
		name     string
		priceID  string
		wantTier reconcile.Tier
		wantErr  bool
	}{
		{name: "exact match", priceID: "price_starter", wantTier: reconcile.TierStarter},
		{name: "case insensitive", priceID: "PRICE_PRO", wantTier: reconcile.TierPro},
		{name: "surrounding whitespace", priceID: "  price_vault ", wantTier: reconcile.TierVault},
		{name: "unknown price", priceID: "price_ghost", wantErr: true},
		{name: "empty price", priceID: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := resolver.Resolve(tt.priceID)
			if tt.wantErr {
				if !errors.Is(err, reconcile.ErrUnknownPlan) {
					t.Errorf("Expected ErrUnknownPlan, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.priceID, err)
			}
			if plan.Tier != tt.wantTier {
				t.Errorf("Resolve(%q) tier = %s, want %s", tt.priceID, plan.Tier, tt.wantTier)
			}
		})
	}
}

func TestPlanResolverRegister(t *testing.T) {
	resolver := reconcile.NewPlanResolver(nil)

	if _, err := resolver.Resolve("price_late"); !errors.Is(err, reconcile.ErrUnknownPlan) {
		t.Fatalf("Expected ErrUnknownPlan before registration, got %v", err)
	}

	resolver.Register(reconcile.Plan{
		PriceID: "price_late", Name: "starter", Tier: reconcile.TierStarter, AmountCents: 4700, Currency: "usd",
	})

	plan, err := resolver.Resolve("price_late")
	if err != nil {
		t.Fatalf("Resolve() after Register error = %v", err)
	}
	if plan.Name != "starter" || plan.AmountCents != 4700 {
		t.Errorf("Unexpected plan: %+v", plan)
	}

	// Register replaces an existing mapping.
	resolver.Register(reconcile.Plan{
		PriceID: "price_late", Name: "pro", Tier: reconcile.TierPro, AmountCents: 9900, Currency: "usd",
	})
	plan, _ = resolver.Resolve("price_late")
	if plan.Tier != reconcile.TierPro {
		t.Errorf("Expected replaced mapping, got %+v", plan)
	}
}
