package reconcile

import (
	"context"
	"time"
)

// Storage defines the persistence contract for event records, account
// subscription state and the subscription history ledger.
//
// RecordEventIfNew is the sole serialization point of the ingest path: it must
// be an atomic conditional insert at the storage layer (unique constraint or
// equivalent compare-and-insert), because the provider may deliver the same
// event concurrently from multiple process instances.
type Storage interface {
	// RecordEventIfNew inserts the event record if no record exists for its
	// ProviderEventID. On conflict it returns isNew=false and the existing
	// record without creating a duplicate.
	RecordEventIfNew(ctx context.Context, rec *EventRecord) (isNew bool, existing *EventRecord, err error)

	// GetEvent retrieves an event record by provider event ID.
	// Returns ErrEventNotFound if no record exists.
	GetEvent(ctx context.Context, providerEventID string) (*EventRecord, error)

	// ListEvents returns up to limit event records, newest first.
	ListEvents(ctx context.Context, limit int) ([]*EventRecord, error)

	// MarkEventFailed records a processing failure: increments the attempt
	// counter and stores the error text. It must never demote a processed
	// record back to failed.
	MarkEventFailed(ctx context.Context, providerEventID, lastError string) error

	// CommitOutcome atomically applies the account patch, appends the history
	// entry (if any) and marks the event processed. The processed marker must
	// not become visible before the state and history writes are durable.
	// If a concurrent delivery already marked the event processed, the commit
	// writes nothing and returns ErrAlreadyProcessed so the caller knows its
	// outcome was discarded.
	CommitOutcome(ctx context.Context, commit *Commit) error

	// GetAccount retrieves an account by internal ID.
	// Returns ErrAccountNotFound if no account exists.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// FindAccountByEmail looks up an account by email address.
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)

	// FindAccountByCustomerID looks up an account by provider customer ID.
	FindAccountByCustomerID(ctx context.Context, customerID string) (*Account, error)

	// FindAccountBySubscriptionID looks up an account by provider subscription ID.
	FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*Account, error)

	// SaveAccount creates or replaces an account record. Used by the host
	// application for provisioning; the engine itself only patches accounts.
	SaveAccount(ctx context.Context, acct *Account) error

	// UpdateAccount applies a patch to an existing account outside the event
	// commit path (used by the access expiry sweep).
	UpdateAccount(ctx context.Context, accountID string, patch *AccountPatch) error

	// AppendHistory appends a history entry outside the event commit path.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error

	// ListHistory returns the account's history entries, oldest first.
	ListHistory(ctx context.Context, accountID string) ([]*HistoryEntry, error)

	// ExpiredAccess returns accounts whose cancellation grace window has
	// elapsed: canceled, still access-granted, with PeriodEnd before now.
	ExpiredAccess(ctx context.Context, now time.Time) ([]*Account, error)
}
