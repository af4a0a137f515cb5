// Package postgres provides a PostgreSQL implementation of the
// reconcile.Storage interface. Event dedup relies on the primary-key
// constraint (INSERT ... ON CONFLICT DO NOTHING), which holds across process
// instances behind a load balancer; the reconciliation commit runs in a single
// transaction so the processed marker is never visible before the state and
// history writes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordEventIfNew implements reconcile.Storage using the primary-key
// constraint as the compare-and-insert.
func (s *Storage) RecordEventIfNew(ctx context.Context, rec *reconcile.EventRecord) (bool, *reconcile.EventRecord, error) {
	if rec == nil || rec.ProviderEventID == "" {
		return false, nil, fmt.Errorf("invalid event record")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events
				(provider_event_id, event_type, raw_payload, status, attempts, last_error, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (provider_event_id) DO NOTHING`,
		rec.ProviderEventID, string(rec.Type), []byte(rec.RawPayload),
		string(rec.Status), rec.Attempts, nullString(rec.LastError), rec.ReceivedAt)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if tag.RowsAffected() == 1 {
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
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT provider_event_id, event_type, raw_payload, status, attempts, last_error, received_at, processed_at
			FROM billing_events WHERE provider_event_id = $1`,
		providerEventID))
}

// ListEvents implements reconcile.Storage.
func (s *Storage) ListEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider_event_id, event_type, raw_payload, status, attempts, last_error, received_at, processed_at
			FROM billing_events ORDER BY received_at DESC, provider_event_id LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkEventFailed implements reconcile.Storage. A processed record is never
// demoted back to failed.
func (s *Storage) MarkEventFailed(ctx context.Context, providerEventID, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events
			SET status = $2, attempts = attempts + 1, last_error = $3
			WHERE provider_event_id = $1 AND status <> $4`,
		providerEventID, string(reconcile.EventStatusFailed), lastError,
		string(reconcile.EventStatusProcessed))
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetEvent(ctx, providerEventID); err != nil {
			return err
		}
		return fmt.Errorf("event %s already processed", providerEventID)
	}
	return nil
}

// CommitOutcome implements reconcile.Storage with a single transaction for
// the account patch, the history append and the processed marker.
func (s *Storage) CommitOutcome(ctx context.Context, commit *reconcile.Commit) error {
	if commit == nil || commit.ProviderEventID == "" {
		return fmt.Errorf("invalid commit")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the event row so concurrent deliveries serialize here; a delivery
	// that lost the race sees processed and commits nothing.
	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM billing_events WHERE provider_event_id = $1 FOR UPDATE`,
		commit.ProviderEventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return reconcile.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock event row: %w", err)
	}
	if status == string(reconcile.EventStatusProcessed) {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		return reconcile.ErrAlreadyProcessed
	}

	if commit.AccountID != "" && !commit.Patch.IsZero() {
		assignments, args := patchAssignments(commit.Patch, commit.ProcessedAt)
		args = append(args, commit.AccountID)
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE billing_accounts SET %s WHERE id = $%d`,
				strings.Join(assignments, ", "), len(args)),
			args...)
		if err != nil {
			return fmt.Errorf("failed to patch account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return reconcile.ErrAccountNotFound
		}
	}

	if commit.History != nil {
		if err := insertHistory(ctx, tx, commit.History); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE billing_events
			SET status = $2, processed_at = $3, last_error = NULL
			WHERE provider_event_id = $1`,
		commit.ProviderEventID, string(reconcile.EventStatusProcessed), commit.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetAccount implements reconcile.Storage.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*reconcile.Account, error) {
	return s.queryAccount(ctx, `id = $1`, accountID)
}

// FindAccountByEmail implements reconcile.Storage.
func (s *Storage) FindAccountByEmail(ctx context.Context, email string) (*reconcile.Account, error) {
	return s.queryAccount(ctx, `email = $1`, email)
}

// FindAccountByCustomerID implements reconcile.Storage.
func (s *Storage) FindAccountByCustomerID(ctx context.Context, customerID string) (*reconcile.Account, error) {
	return s.queryAccount(ctx, `provider_customer_id = $1`, customerID)
}

// FindAccountBySubscriptionID implements reconcile.Storage.
func (s *Storage) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*reconcile.Account, error) {
	return s.queryAccount(ctx, `provider_subscription_id = $1`, subscriptionID)
}

func (s *Storage) queryAccount(ctx context.Context, where string, arg interface{}) (*reconcile.Account, error) {
	var acct reconcile.Account
	var tier, subscriptionStatus string

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, provider_customer_id, provider_subscription_id, tier,
				subscription_status, access_granted, period_end, welcomed_subscription_id, updated_at
			FROM billing_accounts WHERE `+where,
		arg).Scan(
		&acct.ID, &acct.Email, &acct.ProviderCustomerID, &acct.ProviderSubscriptionID,
		&tier, &subscriptionStatus, &acct.AccessGranted, &acct.PeriodEnd,
		&acct.WelcomedSubscriptionID, &acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acct.Tier = reconcile.Tier(tier)
	acct.SubscriptionStatus = reconcile.SubscriptionStatus(subscriptionStatus)
	return &acct, nil
}

// SaveAccount implements reconcile.Storage.
func (s *Storage) SaveAccount(ctx context.Context, acct *reconcile.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_accounts
				(id, email, provider_customer_id, provider_subscription_id, tier,
				 subscription_status, access_granted, period_end, welcomed_subscription_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				provider_customer_id = EXCLUDED.provider_customer_id,
				provider_subscription_id = EXCLUDED.provider_subscription_id,
				tier = EXCLUDED.tier,
				subscription_status = EXCLUDED.subscription_status,
				access_granted = EXCLUDED.access_granted,
				period_end = EXCLUDED.period_end,
				welcomed_subscription_id = EXCLUDED.welcomed_subscription_id,
				updated_at = EXCLUDED.updated_at`,
		acct.ID, acct.Email, acct.ProviderCustomerID, acct.ProviderSubscriptionID,
		string(acct.Tier), string(acct.SubscriptionStatus), acct.AccessGranted,
		acct.PeriodEnd, acct.WelcomedSubscriptionID, timeOrNow(acct.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// UpdateAccount implements reconcile.Storage.
func (s *Storage) UpdateAccount(ctx context.Context, accountID string, patch *reconcile.AccountPatch) error {
	if patch.IsZero() {
		return nil
	}

	assignments, args := patchAssignments(patch, time.Now().UTC())
	args = append(args, accountID)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE billing_accounts SET %s WHERE id = $%d`,
			strings.Join(assignments, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrAccountNotFound
	}
	return nil
}

// AppendHistory implements reconcile.Storage.
func (s *Storage) AppendHistory(ctx context.Context, entry *reconcile.HistoryEntry) error {
	if entry == nil || entry.AccountID == "" {
		return fmt.Errorf("invalid history entry")
	}
	return insertHistory(ctx, s.pool, entry)
}

// ListHistory implements reconcile.Storage.
func (s *Storage) ListHistory(ctx context.Context, accountID string) ([]*reconcile.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, provider_subscription_id, status, plan_name, tier, amount_cents,
				currency, billing_interval, period_start, period_end, canceled_at, ended_at,
				source_event_id, recorded_at
			FROM subscription_history WHERE account_id = $1 ORDER BY id`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.HistoryEntry
	for rows.Next() {
		var entry reconcile.HistoryEntry
		var status, tier string
		err := rows.Scan(
			&entry.AccountID, &entry.ProviderSubscriptionID, &status, &entry.PlanName, &tier,
			&entry.AmountCents, &entry.Currency, &entry.Interval,
			&entry.PeriodStart, &entry.PeriodEnd, &entry.CanceledAt, &entry.EndedAt,
			&entry.SourceEventID, &entry.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.Status = reconcile.SubscriptionStatus(status)
		entry.Tier = reconcile.Tier(tier)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// ExpiredAccess implements reconcile.Storage.
func (s *Storage) ExpiredAccess(ctx context.Context, now time.Time) ([]*reconcile.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, provider_customer_id, provider_subscription_id, tier,
				subscription_status, access_granted, period_end, welcomed_subscription_id, updated_at
			FROM billing_accounts
			WHERE subscription_status = $1 AND access_granted AND period_end < $2`,
		string(reconcile.StatusCanceled), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired accounts: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.Account
	for rows.Next() {
		var acct reconcile.Account
		var tier, subscriptionStatus string
		err := rows.Scan(
			&acct.ID, &acct.Email, &acct.ProviderCustomerID, &acct.ProviderSubscriptionID,
			&tier, &subscriptionStatus, &acct.AccessGranted, &acct.PeriodEnd,
			&acct.WelcomedSubscriptionID, &acct.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acct.Tier = reconcile.Tier(tier)
		acct.SubscriptionStatus = reconcile.SubscriptionStatus(subscriptionStatus)
		out = append(out, &acct)
	}
	return out, rows.Err()
}

// Helpers

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so history inserts
// can run standalone or inside the commit transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertHistory(ctx context.Context, db execer, entry *reconcile.HistoryEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO subscription_history
				(account_id, provider_subscription_id, status, plan_name, tier, amount_cents,
				 currency, billing_interval, period_start, period_end, canceled_at, ended_at,
				 source_event_id, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.AccountID, entry.ProviderSubscriptionID, string(entry.Status), entry.PlanName,
		string(entry.Tier), entry.AmountCents, entry.Currency, entry.Interval,
		entry.PeriodStart, entry.PeriodEnd, entry.CanceledAt, entry.EndedAt,
		entry.SourceEventID, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// patchAssignments builds the SET clause for an account patch. The final
// positional parameter is reserved for the WHERE argument by the caller.
func patchAssignments(patch *reconcile.AccountPatch, updatedAt time.Time) ([]string, []interface{}) {
	var assignments []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.ProviderCustomerID != nil {
		add("provider_customer_id", *patch.ProviderCustomerID)
	}
	if patch.ProviderSubscriptionID != nil {
		add("provider_subscription_id", *patch.ProviderSubscriptionID)
	}
	if patch.Tier != nil {
		add("tier", string(*patch.Tier))
	}
	if patch.SubscriptionStatus != nil {
		add("subscription_status", string(*patch.SubscriptionStatus))
	}
	if patch.AccessGranted != nil {
		add("access_granted", *patch.AccessGranted)
	}
	if patch.PeriodEnd != nil {
		add("period_end", *patch.PeriodEnd)
	}
	if patch.WelcomedSubscriptionID != nil {
		add("welcomed_subscription_id", *patch.WelcomedSubscriptionID)
	}
	add("updated_at", updatedAt)

	return assignments, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*reconcile.EventRecord, error) {
	var rec reconcile.EventRecord
	var eventType, status string
	var lastError *string
	var rawPayload []byte

	err := row.Scan(
		&rec.ProviderEventID, &eventType, &rawPayload, &status,
		&rec.Attempts, &lastError, &rec.ReceivedAt, &rec.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	rec.Type = reconcile.EventType(eventType)
	rec.Status = reconcile.EventStatus(status)
	rec.RawPayload = rawPayload
	if lastError != nil {
		rec.LastError = *lastError
	}
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
