// Package memory provides an in-memory implementation of the reconcile.Storage
// interface. This implementation is primarily intended for testing and
// development; the dedup guarantee only holds within a single process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using in-memory maps.
type Storage struct {
	mu       sync.RWMutex
	events   map[string]*reconcile.EventRecord
	accounts map[string]*reconcile.Account
	history  map[string][]*reconcile.HistoryEntry
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:   make(map[string]*reconcile.EventRecord),
		accounts: make(map[string]*reconcile.Account),
		history:  make(map[string][]*reconcile.HistoryEntry),
	}
}

// RecordEventIfNew implements reconcile.Storage.
func (s *Storage) RecordEventIfNew(ctx context.Context, rec *reconcile.EventRecord) (bool, *reconcile.EventRecord, error) {
	if rec == nil || rec.ProviderEventID == "" {
		return false, nil, fmt.Errorf("invalid event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[rec.ProviderEventID]; ok {
		existingCopy := copyEvent(existing)
		return false, existingCopy, nil
	}

	s.events[rec.ProviderEventID] = copyEvent(rec)
	return true, nil, nil
}

// GetEvent implements reconcile.Storage.
func (s *Storage) GetEvent(ctx context.Context, providerEventID string) (*reconcile.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[providerEventID]
	if !ok {
		return nil, reconcile.ErrEventNotFound
	}
	return copyEvent(rec), nil
}

// ListEvents implements reconcile.Storage.
func (s *Storage) ListEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*reconcile.EventRecord, 0, len(s.events))
	for _, rec := range s.events {
		all = append(all, copyEvent(rec))
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ReceivedAt.After(all[j].ReceivedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// MarkEventFailed implements reconcile.Storage.
func (s *Storage) MarkEventFailed(ctx context.Context, providerEventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[providerEventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	if rec.Status == reconcile.EventStatusProcessed {
		return fmt.Errorf("event %s already processed", providerEventID)
	}
	rec.Status = reconcile.EventStatusFailed
	rec.Attempts++
	rec.LastError = lastError
	return nil
}

// CommitOutcome implements reconcile.Storage. The single mutex makes the
// patch, history append and processed marker atomic within the process.
func (s *Storage) CommitOutcome(ctx context.Context, commit *reconcile.Commit) error {
	if commit == nil || commit.ProviderEventID == "" {
		return fmt.Errorf("invalid commit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[commit.ProviderEventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	if rec.Status == reconcile.EventStatusProcessed {
		return reconcile.ErrAlreadyProcessed
	}

	if commit.AccountID != "" && !commit.Patch.IsZero() {
		acct, ok := s.accounts[commit.AccountID]
		if !ok {
			return reconcile.ErrAccountNotFound
		}
		acct.Apply(commit.Patch)
		acct.UpdatedAt = commit.ProcessedAt
	}

	if commit.History != nil {
		entry := *commit.History
		s.history[entry.AccountID] = append(s.history[entry.AccountID], &entry)
	}

	rec.Status = reconcile.EventStatusProcessed
	processedAt := commit.ProcessedAt
	rec.ProcessedAt = &processedAt
	rec.LastError = ""
	return nil
}

// GetAccount implements reconcile.Storage.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*reconcile.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, reconcile.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// FindAccountByEmail implements reconcile.Storage.
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (*reconcile.Account, error) {
	return s.findAccount(func(a *reconcile.Account) bool { return a.Email == email })
}

// FindAccountByCustomerID implements reconcile.Storage.
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (*reconcile.Account, error) {
	return s.findAccount(func(a *reconcile.Account) bool { return a.ProviderCustomerID == customerID })
}

// FindAccountBySubscriptionID implements reconcile.Storage.
func (s *Storage) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*reconcile.Account, error) {
	return s.findAccount(func(a *reconcile.Account) bool { return a.ProviderSubscriptionID == subscriptionID })
}

func (s *Storage) findAccount(match func(*reconcile.Account) bool) (*reconcile.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acct := range s.accounts {
		if match(acct) {
			return copyAccount(acct), nil
		}
	}
	return nil, reconcile.ErrAccountNotFound
}

// SaveAccount implements reconcile.Storage.
func (s *Storage) SaveAccount(ctx context.Context, acct *reconcile.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[acct.ID] = copyAccount(acct)
	return nil
}

// UpdateAccount implements reconcile.Storage.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string, patch *reconcile.AccountPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return reconcile.ErrAccountNotFound
	}
	acct.Apply(patch)
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendHistory implements reconcile.Storage.
func (s *Storage) AppendHistory(ctx context.Context, entry *reconcile.HistoryEntry) error {
	if entry == nil || entry.AccountID == "" {
		return fmt.Errorf("invalid history entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.history[entry.AccountID] = append(s.history[entry.AccountID], &entryCopy)
	return nil
}

// ListHistory implements reconcile.Storage.
func (s *Storage) ListHistory(ctx context.Context, accountID string) ([]*reconcile.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[accountID]
	out := make([]*reconcile.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		entryCopy := *e
		out = append(out, &entryCopy)
	}
	return out, nil
}

// ExpiredAccess implements reconcile.Storage.
func (s *Storage) ExpiredAccess(ctx context.Context, now time.Time) ([]*reconcile.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*reconcile.Account
	for _, acct := range s.accounts {
		if acct.SubscriptionStatus == reconcile.StatusCanceled && acct.AccessGranted &&
			acct.PeriodEnd != nil && acct.PeriodEnd.Before(now) {
			out = append(out, copyAccount(acct))
		}
	}
	return out, nil
}

// Copies prevent external mutation of stored records.

func copyEvent(rec *reconcile.EventRecord) *reconcile.EventRecord {
	recCopy := *rec
	if rec.RawPayload != nil {
		recCopy.RawPayload = append([]byte(nil), rec.RawPayload...)
	}
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		recCopy.ProcessedAt = &t
	}
	return &recCopy
}

func copyAccount(acct *reconcile.Account) *reconcile.Account {
	acctCopy := *acct
	if acct.PeriodEnd != nil {
		t := *acct.PeriodEnd
		acctCopy.PeriodEnd = &t
	}
	return &acctCopy
}
