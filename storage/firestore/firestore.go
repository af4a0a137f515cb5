// Package firestore provides a Firestore implementation of the reconcile.Storage
// interface. Event dedup relies on document Create, which fails with
// AlreadyExists when a concurrent delivery won the insert race.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	eventsCollection   string
	accountsCollection string
	historyCollection  string
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection is the Firestore collection for webhook event records
	// Default: "billing_events"
	EventsCollection string

	// AccountsCollection is the Firestore collection for billing accounts
	// Default: "billing_accounts"
	AccountsCollection string

	// HistoryCollection is the Firestore collection for subscription history
	// Default: "subscription_history"
	HistoryCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}
	if config.AccountsCollection == "" {
		config.AccountsCollection = "billing_accounts"
	}
	if config.HistoryCollection == "" {
		config.HistoryCollection = "subscription_history"
	}

	return &Storage{
		client:             client,
		eventsCollection:   config.EventsCollection,
		accountsCollection: config.AccountsCollection,
		historyCollection:  config.HistoryCollection,
	}, nil
}

// RecordEventIfNew implements reconcile.Storage. Create is the atomic
// conditional insert; AlreadyExists means another delivery inserted first.
func (s *Storage) RecordEventIfNew(ctx context.Context, rec *reconcile.EventRecord) (bool, *reconcile.EventRecord, error) {
	if rec == nil || rec.ProviderEventID == "" {
		return false, nil, fmt.Errorf("invalid event record")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(rec.ProviderEventID)
	_, err := doc.Create(ctx, eventData(rec))
	if err == nil {
		return true, nil, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return false, nil, fmt.Errorf("failed to insert event: %w", err)
	}

	existing, err := s.GetEvent(ctx, rec.ProviderEventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetEvent implements reconcile.Storage
func (s *Storage) GetEvent(ctx context.Context, providerEventID string) (*reconcile.EventRecord, error) {
	doc := s.client.Collection(s.eventsCollection).Doc(providerEventID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reconcile.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return eventFromData(providerEventID, snap.Data()), nil
}

// ListEvents implements reconcile.Storage
func (s *Storage) ListEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	snaps, err := s.client.Collection(s.eventsCollection).
		OrderBy("receivedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*reconcile.EventRecord, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, eventFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// MarkEventFailed implements reconcile.Storage
func (s *Storage) MarkEventFailed(ctx context.Context, providerEventID, lastError string) error {
	doc := s.client.Collection(s.eventsCollection).Doc(providerEventID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return reconcile.ErrEventNotFound
			}
			return fmt.Errorf("failed to get event: %w", err)
		}

		data := snap.Data()
		if getString(data, "status") == string(reconcile.EventStatusProcessed) {
			return fmt.Errorf("event %s already processed", providerEventID)
		}

		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(reconcile.EventStatusFailed)},
			{Path: "attempts", Value: getInt(data, "attempts") + 1},
			{Path: "lastError", Value: lastError},
		})
	})
}

// CommitOutcome implements reconcile.Storage. The account patch, history
// append and processed marker land in one Firestore transaction.
func (s *Storage) CommitOutcome(ctx context.Context, commit *reconcile.Commit) error {
	if commit == nil || commit.ProviderEventID == "" {
		return fmt.Errorf("invalid commit")
	}

	eventDoc := s.client.Collection(s.eventsCollection).Doc(commit.ProviderEventID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(eventDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return reconcile.ErrEventNotFound
			}
			return fmt.Errorf("failed to get event: %w", err)
		}
		if getString(snap.Data(), "status") == string(reconcile.EventStatusProcessed) {
			return reconcile.ErrAlreadyProcessed
		}

		if commit.AccountID != "" && !commit.Patch.IsZero() {
			acctDoc := s.client.Collection(s.accountsCollection).Doc(commit.AccountID)
			acctSnap, err := tx.Get(acctDoc)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return reconcile.ErrAccountNotFound
				}
				return fmt.Errorf("failed to get account: %w", err)
			}

			acct := accountFromData(commit.AccountID, acctSnap.Data())
			acct.Apply(commit.Patch)
			acct.UpdatedAt = commit.ProcessedAt
			if err := tx.Set(acctDoc, accountData(acct)); err != nil {
				return fmt.Errorf("failed to update account: %w", err)
			}
		}

		if commit.History != nil {
			historyDoc := s.client.Collection(s.historyCollection).NewDoc()
			if err := tx.Create(historyDoc, historyData(commit.History)); err != nil {
				return fmt.Errorf("failed to append history: %w", err)
			}
		}

		return tx.Update(eventDoc, []firestore.Update{
			{Path: "status", Value: string(reconcile.EventStatusProcessed)},
			{Path: "processedAt", Value: commit.ProcessedAt},
			{Path: "lastError", Value: ""},
		})
	})
}

// GetAccount implements reconcile.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*reconcile.Account, error) {
	doc := s.client.Collection(s.accountsCollection).Doc(accountID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reconcile.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return accountFromData(accountID, snap.Data()), nil
}

// FindAccountByEmail implements reconcile.Storage
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (*reconcile.Account, error) {
	return s.findAccount(ctx, "email", email)
}

// FindAccountByCustomerID implements reconcile.Storage
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (*reconcile.Account, error) {
	return s.findAccount(ctx, "providerCustomerId", customerID)
}

// FindAccountBySubscriptionID implements reconcile.Storage
func (s *Storage) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*reconcile.Account, error) {
	return s.findAccount(ctx, "providerSubscriptionId", subscriptionID)
}

func (s *Storage) findAccount(ctx context.Context, field, value string) (*reconcile.Account, error) {
	if value == "" {
		return nil, reconcile.ErrAccountNotFound
	}

	snaps, err := s.client.Collection(s.accountsCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	if len(snaps) == 0 {
		return nil, reconcile.ErrAccountNotFound
	}
	return accountFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

// SaveAccount implements reconcile.Storage
func (s *Storage) SaveAccount(ctx context.Context, acct *reconcile.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	doc := s.client.Collection(s.accountsCollection).Doc(acct.ID)
	if _, err := doc.Set(ctx, accountData(acct)); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// UpdateAccount implements reconcile.Storage
func (s *Storage) UpdateAccount(ctx context.Context, accountID string, patch *reconcile.AccountPatch) error {
	doc := s.client.Collection(s.accountsCollection).Doc(accountID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return reconcile.ErrAccountNotFound
			}
			return fmt.Errorf("failed to get account: %w", err)
		}

		acct := accountFromData(accountID, snap.Data())
		acct.Apply(patch)
		acct.UpdatedAt = time.Now().UTC()
		return tx.Set(doc, accountData(acct))
	})
}

// AppendHistory implements reconcile.Storage
func (s *Storage) AppendHistory(ctx context.Context, entry *reconcile.HistoryEntry) error {
	if entry == nil || entry.AccountID == "" {
		return fmt.Errorf("invalid history entry")
	}

	doc := s.client.Collection(s.historyCollection).NewDoc()
	if _, err := doc.Create(ctx, historyData(entry)); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory implements reconcile.Storage
func (s *Storage) ListHistory(ctx context.Context, accountID string) ([]*reconcile.HistoryEntry, error) {
	snaps, err := s.client.Collection(s.historyCollection).
		Where("accountId", "==", accountID).
		OrderBy("recordedAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	out := make([]*reconcile.HistoryEntry, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, historyFromData(snap.Data()))
	}
	return out, nil
}

// ExpiredAccess implements reconcile.Storage
func (s *Storage) ExpiredAccess(ctx context.Context, now time.Time) ([]*reconcile.Account, error) {
	snaps, err := s.client.Collection(s.accountsCollection).
		Where("subscriptionStatus", "==", string(reconcile.StatusCanceled)).
		Where("accessGranted", "==", true).
		Where("periodEnd", "<", now).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired accounts: %w", err)
	}

	out := make([]*reconcile.Account, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, accountFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

func eventData(rec *reconcile.EventRecord) map[string]interface{} {
	data := map[string]interface{}{
		"eventType":  string(rec.Type),
		"payload":    string(rec.RawPayload),
		"status":     string(rec.Status),
		"attempts":   rec.Attempts,
		"lastError":  rec.LastError,
		"receivedAt": rec.ReceivedAt,
	}
	if rec.ProcessedAt != nil {
		data["processedAt"] = *rec.ProcessedAt
	}
	return data
}

func eventFromData(id string, data map[string]interface{}) *reconcile.EventRecord {
	rec := &reconcile.EventRecord{
		ProviderEventID: id,
		Type:            reconcile.EventType(getString(data, "eventType")),
		RawPayload:      []byte(getString(data, "payload")),
		Status:          reconcile.EventStatus(getString(data, "status")),
		Attempts:        getInt(data, "attempts"),
		LastError:       getString(data, "lastError"),
		ReceivedAt:      getTime(data, "receivedAt"),
	}
	if t, ok := data["processedAt"].(time.Time); ok && !t.IsZero() {
		rec.ProcessedAt = &t
	}
	return rec
}

func accountData(acct *reconcile.Account) map[string]interface{} {
	data := map[string]interface{}{
		"email":                  acct.Email,
		"providerCustomerId":     acct.ProviderCustomerID,
		"providerSubscriptionId": acct.ProviderSubscriptionID,
		"tier":                   string(acct.Tier),
		"subscriptionStatus":     string(acct.SubscriptionStatus),
		"accessGranted":          acct.AccessGranted,
		"welcomedSubscriptionId": acct.WelcomedSubscriptionID,
		"updatedAt":              acct.UpdatedAt,
	}
	if acct.PeriodEnd != nil {
		data["periodEnd"] = *acct.PeriodEnd
	}
	return data
}

func accountFromData(id string, data map[string]interface{}) *reconcile.Account {
	acct := &reconcile.Account{
		ID:                     id,
		Email:                  getString(data, "email"),
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		Tier:                   reconcile.Tier(getString(data, "tier")),
		SubscriptionStatus:     reconcile.SubscriptionStatus(getString(data, "subscriptionStatus")),
		AccessGranted:          getBool(data, "accessGranted"),
		WelcomedSubscriptionID: getString(data, "welcomedSubscriptionId"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if t, ok := data["periodEnd"].(time.Time); ok && !t.IsZero() {
		acct.PeriodEnd = &t
	}
	return acct
}

func historyData(entry *reconcile.HistoryEntry) map[string]interface{} {
	data := map[string]interface{}{
		"accountId":              entry.AccountID,
		"providerSubscriptionId": entry.ProviderSubscriptionID,
		"status":                 string(entry.Status),
		"planName":               entry.PlanName,
		"tier":                   string(entry.Tier),
		"amountCents":            entry.AmountCents,
		"currency":               entry.Currency,
		"interval":               entry.Interval,
		"sourceEventId":          entry.SourceEventID,
		"recordedAt":             entry.RecordedAt,
	}
	if entry.PeriodStart != nil {
		data["periodStart"] = *entry.PeriodStart
	}
	if entry.PeriodEnd != nil {
		data["periodEnd"] = *entry.PeriodEnd
	}
	if entry.CanceledAt != nil {
		data["canceledAt"] = *entry.CanceledAt
	}
	if entry.EndedAt != nil {
		data["endedAt"] = *entry.EndedAt
	}
	return data
}

func historyFromData(data map[string]interface{}) *reconcile.HistoryEntry {
	entry := &reconcile.HistoryEntry{
		AccountID:              getString(data, "accountId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		Status:                 reconcile.SubscriptionStatus(getString(data, "status")),
		PlanName:               getString(data, "planName"),
		Tier:                   reconcile.Tier(getString(data, "tier")),
		AmountCents:            getInt64(data, "amountCents"),
		Currency:               getString(data, "currency"),
		Interval:               getString(data, "interval"),
		SourceEventID:          getString(data, "sourceEventId"),
		RecordedAt:             getTime(data, "recordedAt"),
	}
	for field, dst := range map[string]**time.Time{
		"periodStart": &entry.PeriodStart,
		"periodEnd":   &entry.PeriodEnd,
		"canceledAt":  &entry.CanceledAt,
		"endedAt":     &entry.EndedAt,
	} {
		if t, ok := data[field].(time.Time); ok && !t.IsZero() {
			*dst = &t
		}
	}
	return entry
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
