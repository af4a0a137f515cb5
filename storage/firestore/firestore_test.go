package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestEventDataRoundTrip(t *testing.T) {
	processed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &reconcile.EventRecord{
		ProviderEventID: "evt_rt",
		Type:            reconcile.EventSubscriptionUpdated,
		RawPayload:      []byte(`{"subscription_id":"sub_1"}`),
		Status:          reconcile.EventStatusProcessed,
		Attempts:        2,
		ReceivedAt:      time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC),
		ProcessedAt:     &processed,
	}

	got := eventFromData(rec.ProviderEventID, eventData(rec))

	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Attempts, got.Attempts)
	assert.JSONEq(t, string(rec.RawPayload), string(got.RawPayload))
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(processed))
	assert.True(t, got.ReceivedAt.Equal(rec.ReceivedAt))
}

func TestAccountDataRoundTrip(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	acct := &reconcile.Account{
		ID:                     "acc_rt",
		Email:                  "rt@example.com",
		ProviderCustomerID:     "cus_rt",
		ProviderSubscriptionID: "sub_rt",
		Tier:                   reconcile.TierStarter,
		SubscriptionStatus:     reconcile.StatusActive,
		AccessGranted:          true,
		PeriodEnd:              &periodEnd,
		WelcomedSubscriptionID: "sub_rt",
		UpdatedAt:              time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	got := accountFromData(acct.ID, accountData(acct))

	assert.Equal(t, acct.Email, got.Email)
	assert.Equal(t, acct.ProviderCustomerID, got.ProviderCustomerID)
	assert.Equal(t, acct.ProviderSubscriptionID, got.ProviderSubscriptionID)
	assert.Equal(t, acct.Tier, got.Tier)
	assert.Equal(t, acct.SubscriptionStatus, got.SubscriptionStatus)
	assert.True(t, got.AccessGranted)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, got.PeriodEnd.Equal(periodEnd))
	assert.Equal(t, "sub_rt", got.WelcomedSubscriptionID)
}

func TestHistoryDataOmitsNilTimes(t *testing.T) {
	entry := &reconcile.HistoryEntry{
		AccountID:     "acc_h",
		Status:        reconcile.StatusCanceled,
		PlanName:      "pro",
		SourceEventID: "evt_h",
		RecordedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	data := historyData(entry)
	for _, field := range []string{"periodStart", "periodEnd", "canceledAt", "endedAt"} {
		assert.NotContains(t, data, field)
	}

	got := historyFromData(data)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, reconcile.StatusCanceled, got.Status)
	assert.Equal(t, "pro", got.PlanName)
	assert.Equal(t, "evt_h", got.SourceEventID)
}

func TestHistoryDataRoundTripWithTimes(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	canceled := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	entry := &reconcile.HistoryEntry{
		AccountID:              "acc_h",
		ProviderSubscriptionID: "sub_h",
		Status:                 reconcile.StatusCanceled,
		PlanName:               "starter",
		Tier:                   reconcile.TierStarter,
		AmountCents:            4700,
		Currency:               "usd",
		Interval:               "month",
		PeriodStart:            &start,
		PeriodEnd:              &end,
		CanceledAt:             &canceled,
		SourceEventID:          "evt_h",
		RecordedAt:             canceled,
	}

	got := historyFromData(historyData(entry))

	assert.Equal(t, reconcile.TierStarter, got.Tier)
	assert.Equal(t, int64(4700), got.AmountCents)
	assert.Equal(t, "usd", got.Currency)
	assert.Equal(t, "month", got.Interval)
	require.NotNil(t, got.PeriodStart)
	assert.True(t, got.PeriodStart.Equal(start))
	require.NotNil(t, got.CanceledAt)
	assert.True(t, got.CanceledAt.Equal(canceled))
	assert.Nil(t, got.EndedAt)
}
