// Package redis provides a Redis implementation of the reconcile.Storage
// interface. Event dedup uses SETNX as the atomic conditional insert, which
// holds across process instances sharing the same Redis; read-modify-write
// operations run under WATCH/MULTI with bounded retries.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using Redis.
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goreconcile:")
	KeyPrefix string

	// EventTTL is the TTL for event records (0 = no expiration)
	EventTTL time.Duration

	// MaxRetries is the maximum number of WATCH retry attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goreconcile:",
		EventTTL:   0,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goreconcile:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) eventKey(id string) string      { return s.config.KeyPrefix + "event:" + id }
func (s *Storage) eventIndexKey() string          { return s.config.KeyPrefix + "events" }
func (s *Storage) accountKey(id string) string    { return s.config.KeyPrefix + "account:" + id }
func (s *Storage) accountSetKey() string          { return s.config.KeyPrefix + "accounts" }
func (s *Storage) emailKey(email string) string   { return s.config.KeyPrefix + "acct:email:" + email }
func (s *Storage) customerKey(id string) string   { return s.config.KeyPrefix + "acct:cust:" + id }
func (s *Storage) subKey(id string) string        { return s.config.KeyPrefix + "acct:sub:" + id }
func (s *Storage) historyKey(acctID string) string { return s.config.KeyPrefix + "history:" + acctID }

// RecordEventIfNew implements reconcile.Storage: SETNX is the compare-and-insert.
func (s *Storage) RecordEventIfNew(ctx context.Context, rec *reconcile.EventRecord) (bool, *reconcile.EventRecord, error) {
	if rec == nil || rec.ProviderEventID == "" {
		return false, nil, fmt.Errorf("invalid event record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	set, err := s.client.SetNX(ctx, s.eventKey(rec.ProviderEventID), data, s.config.EventTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert event: %w", err)
	}
	if set {
		if err := s.client.ZAdd(ctx, s.eventIndexKey(), redis.Z{
			Score:  float64(rec.ReceivedAt.UnixNano()),
			Member: rec.ProviderEventID,
		}).Err(); err != nil {
			return false, nil, fmt.Errorf("failed to index event: %w", err)
		}
		return true, nil, nil
	}

	existing, err := s.GetEvent(ctx, rec.ProviderEventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetEvent implements reconcile.Storage.
func (s *Storage) GetEvent(ctx context.Context, providerEventID string) (*reconcile.EventRecord, error) {
	data, err := s.client.Get(ctx, s.eventKey(providerEventID)).Bytes()
	if err == redis.Nil {
		return nil, reconcile.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var rec reconcile.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &rec, nil
}

// ListEvents implements reconcile.Storage.
func (s *Storage) ListEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.eventIndexKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*reconcile.EventRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetEvent(ctx, id)
		if err == reconcile.ErrEventNotFound {
			continue // expired record still in the index
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkEventFailed implements reconcile.Storage.
func (s *Storage) MarkEventFailed(ctx context.Context, providerEventID, lastError string) error {
	key := s.eventKey(providerEventID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := getEventTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Status == reconcile.EventStatusProcessed {
			return fmt.Errorf("event %s already processed", providerEventID)
		}

		rec.Status = reconcile.EventStatusFailed
		rec.Attempts++
		rec.LastError = lastError

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
}

// CommitOutcome implements reconcile.Storage. WATCH on the event and account
// keys makes the patch, history append and processed marker atomic.
func (s *Storage) CommitOutcome(ctx context.Context, commit *reconcile.Commit) error {
	if commit == nil || commit.ProviderEventID == "" {
		return fmt.Errorf("invalid commit")
	}

	eventKey := s.eventKey(commit.ProviderEventID)
	keys := []string{eventKey}
	if commit.AccountID != "" {
		keys = append(keys, s.accountKey(commit.AccountID))
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := getEventTx(ctx, tx, eventKey)
		if err != nil {
			return err
		}
		if rec.Status == reconcile.EventStatusProcessed {
			return reconcile.ErrAlreadyProcessed
		}

		var acct *reconcile.Account
		if commit.AccountID != "" && !commit.Patch.IsZero() {
			data, err := tx.Get(ctx, s.accountKey(commit.AccountID)).Bytes()
			if err == redis.Nil {
				return reconcile.ErrAccountNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			acct = &reconcile.Account{}
			if err := json.Unmarshal(data, acct); err != nil {
				return fmt.Errorf("failed to unmarshal account: %w", err)
			}
			acct.Apply(commit.Patch)
			acct.UpdatedAt = commit.ProcessedAt
		}

		rec.Status = reconcile.EventStatusProcessed
		processedAt := commit.ProcessedAt
		rec.ProcessedAt = &processedAt
		rec.LastError = ""

		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, eventKey, recData, redis.KeepTTL)
			if acct != nil {
				s.pipeSaveAccount(ctx, pipe, acct)
			}
			if commit.History != nil {
				entryData, err := json.Marshal(commit.History)
				if err != nil {
					return fmt.Errorf("failed to marshal history entry: %w", err)
				}
				pipe.RPush(ctx, s.historyKey(commit.History.AccountID), entryData)
			}
			return nil
		})
		return err
	}, keys...)
}

// GetAccount implements reconcile.Storage.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*reconcile.Account, error) {
	data, err := s.client.Get(ctx, s.accountKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, reconcile.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct reconcile.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// FindAccountByEmail implements reconcile.Storage.
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (*reconcile.Account, error) {
	return s.findByIndex(ctx, s.emailKey(email))
}

// FindAccountByCustomerID implements reconcile.Storage.
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (*reconcile.Account, error) {
	return s.findByIndex(ctx, s.customerKey(customerID))
}

// FindAccountBySubscriptionID implements reconcile.Storage.
func (s *Storage) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*reconcile.Account, error) {
	return s.findByIndex(ctx, s.subKey(subscriptionID))
}

func (s *Storage) findByIndex(ctx context.Context, indexKey string) (*reconcile.Account, error) {
	accountID, err := s.client.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, reconcile.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account index: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

// SaveAccount implements reconcile.Storage.
func (s *Storage) SaveAccount(ctx context.Context, acct *reconcile.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.pipeSaveAccount(ctx, pipe, acct)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// pipeSaveAccount writes the account record, membership set and lookup
// indexes in one pipeline.
func (s *Storage) pipeSaveAccount(ctx context.Context, pipe redis.Pipeliner, acct *reconcile.Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		return
	}
	pipe.Set(ctx, s.accountKey(acct.ID), data, 0)
	pipe.SAdd(ctx, s.accountSetKey(), acct.ID)
	if acct.Email != "" {
		pipe.Set(ctx, s.emailKey(acct.Email), acct.ID, 0)
	}
	if acct.ProviderCustomerID != "" {
		pipe.Set(ctx, s.customerKey(acct.ProviderCustomerID), acct.ID, 0)
	}
	if acct.ProviderSubscriptionID != "" {
		pipe.Set(ctx, s.subKey(acct.ProviderSubscriptionID), acct.ID, 0)
	}
}

// UpdateAccount implements reconcile.Storage.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string, patch *reconcile.AccountPatch) error {
	key := s.accountKey(accountID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return reconcile.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}

		var acct reconcile.Account
		if err := json.Unmarshal(data, &acct); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		acct.Apply(patch)
		acct.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.pipeSaveAccount(ctx, pipe, &acct)
			return nil
		})
		return err
	}, key)
}

// AppendHistory implements reconcile.Storage.
func (s *Storage) AppendHistory(ctx context.Context, entry *reconcile.HistoryEntry) error {
	if entry == nil || entry.AccountID == "" {
		return fmt.Errorf("invalid history entry")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.historyKey(entry.AccountID), data).Err(); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// ListHistory implements reconcile.Storage.
func (s *Storage) ListHistory(ctx context.Context, accountID string) ([]*reconcile.HistoryEntry, error) {
	items, err := s.client.LRange(ctx, s.historyKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	out := make([]*reconcile.HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry reconcile.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}

// ExpiredAccess implements reconcile.Storage by scanning the account set.
func (s *Storage) ExpiredAccess(ctx context.Context, now time.Time) ([]*reconcile.Account, error) {
	ids, err := s.client.SMembers(ctx, s.accountSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var out []*reconcile.Account
	for _, id := range ids {
		acct, err := s.GetAccount(ctx, id)
		if err == reconcile.ErrAccountNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if acct.SubscriptionStatus == reconcile.StatusCanceled && acct.AccessGranted &&
			acct.PeriodEnd != nil && acct.PeriodEnd.Before(now) {
			out = append(out, acct)
		}
	}
	return out, nil
}

// watch runs fn under WATCH with bounded retries on transaction conflicts.
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < s.config.MaxRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", s.config.MaxRetries, err)
}

func getEventTx(ctx context.Context, tx *redis.Tx, key string) (*reconcile.EventRecord, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, reconcile.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var rec reconcile.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &rec, nil
}
