package postgres

import (
	"context"
	"fmt"
)

// schema creates the tables the adapter needs. Statements are idempotent so
// EnsureSchema is safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS billing_events (
		provider_event_id TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		raw_payload       JSONB NOT NULL,
		status            TEXT NOT NULL,
		attempts          INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		received_at       TIMESTAMPTZ NOT NULL,
		processed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_events_received_at
		ON billing_events (received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_events_status
		ON billing_events (status)`,

	`CREATE TABLE IF NOT EXISTS billing_accounts (
		id                       TEXT PRIMARY KEY,
		email                    TEXT NOT NULL DEFAULT '',
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		tier                     TEXT NOT NULL DEFAULT 'free',
		subscription_status      TEXT NOT NULL DEFAULT '',
		access_granted           BOOLEAN NOT NULL DEFAULT FALSE,
		period_end               TIMESTAMPTZ,
		welcomed_subscription_id TEXT NOT NULL DEFAULT '',
		updated_at               TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_accounts_email
		ON billing_accounts (email)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_accounts_customer
		ON billing_accounts (provider_customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_billing_accounts_subscription
		ON billing_accounts (provider_subscription_id)`,

	`CREATE TABLE IF NOT EXISTS subscription_history (
		id                       BIGSERIAL PRIMARY KEY,
		account_id               TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		plan_name                TEXT NOT NULL DEFAULT '',
		tier                     TEXT NOT NULL DEFAULT '',
		amount_cents             BIGINT NOT NULL DEFAULT 0,
		currency                 TEXT NOT NULL DEFAULT '',
		billing_interval         TEXT NOT NULL DEFAULT '',
		period_start             TIMESTAMPTZ,
		period_end               TIMESTAMPTZ,
		canceled_at              TIMESTAMPTZ,
		ended_at                 TIMESTAMPTZ,
		source_event_id          TEXT NOT NULL,
		recorded_at              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscription_history_account
		ON subscription_history (account_id, id)`,
}

// EnsureSchema creates the adapter's tables and indexes if they don't exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
