package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func historyEntry(status reconcile.SubscriptionStatus, plan string, mutate ...func(*reconcile.HistoryEntry)) *reconcile.HistoryEntry {
	e := &reconcile.HistoryEntry{
		AccountID:              testAccountID,
		ProviderSubscriptionID: testSubID,
		Status:                 status,
		PlanName:               plan,
		RecordedAt:             testNow,
	}
	for _, m := range mutate {
		m(e)
	}
	return e
}

func TestFoldHistory(t *testing.T) {
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	ended := testNow.Add(-time.Hour)

	tests := []struct {
		name        string
		entries     []*reconcile.HistoryEntry
		wantTier    reconcile.Tier
		wantGranted bool
		wantStatus  reconcile.SubscriptionStatus
	}{
		{
			name:    "empty ledger",
			entries: nil, wantTier: reconcile.TierFree, wantGranted: false,
		},
		{
			name: "single activation",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "starter"),
			},
			wantTier: reconcile.TierStarter, wantGranted: true, wantStatus: reconcile.StatusActive,
		},
		{
			name: "past due carries prior access",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "pro"),
				historyEntry(reconcile.StatusPastDue, "pro"),
			},
			wantTier: reconcile.TierPro, wantGranted: true, wantStatus: reconcile.StatusPastDue,
		},
		{
			name: "recovery restores active",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "pro"),
				historyEntry(reconcile.StatusPastDue, "pro"),
				historyEntry(reconcile.StatusActive, "pro"),
			},
			wantTier: reconcile.TierPro, wantGranted: true, wantStatus: reconcile.StatusActive,
		},
		{
			name: "open cancellation keeps access",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "vault"),
				historyEntry(reconcile.StatusCanceled, "vault", func(e *reconcile.HistoryEntry) {
					e.PeriodEnd = &periodEnd
				}),
			},
			wantTier: reconcile.TierVault, wantGranted: true, wantStatus: reconcile.StatusCanceled,
		},
		{
			name: "closed cancellation revokes",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "vault"),
				historyEntry(reconcile.StatusCanceled, "free", func(e *reconcile.HistoryEntry) {
					e.EndedAt = &ended
				}),
			},
			wantTier: reconcile.TierFree, wantGranted: false, wantStatus: reconcile.StatusCanceled,
		},
		{
			name: "display plan name folds to recorded tier",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusActive, "Vault Annual", func(e *reconcile.HistoryEntry) {
					e.Tier = reconcile.TierVault
				}),
			},
			wantTier: reconcile.TierVault, wantGranted: true, wantStatus: reconcile.StatusActive,
		},
		{
			name: "trialing grants plan access",
			entries: []*reconcile.HistoryEntry{
				historyEntry(reconcile.StatusTrialing, "starter"),
			},
			wantTier: reconcile.TierStarter, wantGranted: true, wantStatus: reconcile.StatusTrialing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := reconcile.FoldHistory(tt.entries)
			if state.Tier != tt.wantTier {
				t.Errorf("Tier = %s, want %s", state.Tier, tt.wantTier)
			}
			if state.AccessGranted != tt.wantGranted {
				t.Errorf("AccessGranted = %v, want %v", state.AccessGranted, tt.wantGranted)
			}
			if state.SubscriptionStatus != tt.wantStatus {
				t.Errorf("SubscriptionStatus = %s, want %s", state.SubscriptionStatus, tt.wantStatus)
			}
		})
	}
}

// Replaying the audit trail must reproduce the account state the engine
// arrived at online.
func TestFoldHistoryMatchesEngineState(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	engine.Ingest(ctx, subscriptionEvent("evt_r1", "subscription.created", activeSubscription(testSubID, "price_starter")))
	engine.Ingest(ctx, subscriptionEvent("evt_r2", "subscription.updated", activeSubscription(testSubID, "price_pro")))
	engine.Ingest(ctx, invoiceEvent("evt_r3", "invoice.payment_failed", reconcile.InvoicePayload{
		InvoiceID: "in_r1", SubscriptionID: testSubID, CustomerID: testCustomerID, AmountCents: 9900, Currency: "usd",
	}))
	engine.Ingest(ctx, invoiceEvent("evt_r4", "invoice.paid", reconcile.InvoicePayload{
		InvoiceID: "in_r2", SubscriptionID: testSubID, CustomerID: testCustomerID, AmountCents: 9900, Currency: "usd",
	}))

	history, err := store.ListHistory(ctx, testAccountID)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	acct, err := store.GetAccount(ctx, testAccountID)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}

	state := reconcile.FoldHistory(history)
	if state.Tier != acct.Tier {
		t.Errorf("Replayed tier %s != account tier %s", state.Tier, acct.Tier)
	}
	if state.AccessGranted != acct.AccessGranted {
		t.Errorf("Replayed access %v != account access %v", state.AccessGranted, acct.AccessGranted)
	}
	if state.SubscriptionStatus != acct.SubscriptionStatus {
		t.Errorf("Replayed status %s != account status %s", state.SubscriptionStatus, acct.SubscriptionStatus)
	}
	if state.ProviderSubscriptionID != acct.ProviderSubscriptionID {
		t.Errorf("Replayed subscription %s != account subscription %s", state.ProviderSubscriptionID, acct.ProviderSubscriptionID)
	}
}

// A plan registered under a display name that is not a tier string must still
// replay to its configured tier.
func TestFoldHistoryWithDisplayPlanName(t *testing.T) {
	engine, store := newTestEngine(t)
	engine.Plans().Register(reconcile.Plan{
		PriceID: "price_vault_annual", Name: "Vault Annual", Tier: reconcile.TierVault,
		AmountCents: 199000, Currency: "usd", Interval: "year",
	})
	ctx := context.Background()

	res := engine.Ingest(ctx, subscriptionEvent("evt_da", "subscription.created", activeSubscription(testSubID, "price_vault_annual")))
	if !res.Success || res.Err != nil {
		t.Fatalf("Ingest failed: %+v", res)
	}

	history, err := store.ListHistory(ctx, testAccountID)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	state := reconcile.FoldHistory(history)
	if state.Tier != reconcile.TierVault {
		t.Errorf("Replayed tier %s, want %s", state.Tier, reconcile.TierVault)
	}
	if !state.AccessGranted {
		t.Error("Expected access granted after replay")
	}
}
