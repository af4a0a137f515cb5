package reconcile

import "time"

// ReplayedState is the subscription state reconstructed from a history fold.
type ReplayedState struct {
	ProviderSubscriptionID string
	Tier                   Tier
	SubscriptionStatus     SubscriptionStatus
	AccessGranted          bool
	PeriodEnd              *time.Time
}

// FoldHistory folds an account's ordered history entries left-to-right into
// the subscription state they imply. For any account, folding its full ledger
// must reproduce the current tier, status and period end exactly; this is the
// audit/replay guarantee the append-only ledger exists for.
func FoldHistory(entries []*HistoryEntry) ReplayedState {
	state := ReplayedState{Tier: TierFree, SubscriptionStatus: "", AccessGranted: false}

	for _, entry := range entries {
		if entry.ProviderSubscriptionID != "" {
			state.ProviderSubscriptionID = entry.ProviderSubscriptionID
		}
		state.SubscriptionStatus = entry.Status
		if entry.PeriodEnd != nil {
			end := *entry.PeriodEnd
			state.PeriodEnd = &end
		}

		switch {
		case grantsAccess(entry.Status):
			state.Tier = entry.Tier
			if state.Tier == "" {
				// Ledger entries written before the tier column carried only
				// the plan name.
				state.Tier = ParseTier(entry.PlanName)
			}
			state.AccessGranted = true
		case entry.Status == StatusPastDue:
			// Grace period: tier and access carry over from the previous entry.
		case entry.Status == StatusCanceled && entry.EndedAt == nil:
			// Canceled inside the paid period: retained until the sweep.
			state.AccessGranted = true
		default:
			state.Tier = TierFree
			state.AccessGranted = false
		}
	}
	return state
}
