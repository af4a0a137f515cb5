package reconcile

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a provider webhook event category.
type EventType string

const (
	// EventCustomerCreated links a provider customer to an account by email
	EventCustomerCreated EventType = "customer.created"
	// EventCustomerUpdated refreshes the provider customer linkage
	EventCustomerUpdated EventType = "customer.updated"
	// EventSubscriptionCreated starts a subscription and resolves its tier
	EventSubscriptionCreated EventType = "subscription.created"
	// EventSubscriptionUpdated re-resolves the tier and refreshes status
	EventSubscriptionUpdated EventType = "subscription.updated"
	// EventSubscriptionDeleted cancels a subscription (grace period applies)
	EventSubscriptionDeleted EventType = "subscription.deleted"
	// EventInvoicePaid records a payment receipt for revenue reporting
	EventInvoicePaid EventType = "invoice.paid"
	// EventInvoicePaymentFailed moves the subscription into past_due
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	// EventTrialWillEnd notifies the customer their trial is ending
	EventTrialWillEnd EventType = "trial.will_end"
)

// ParseEventType validates a provider event type string.
// Unknown types are a parse error and must be rejected before the event store.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventCustomerCreated, EventCustomerUpdated,
		EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaid, EventInvoicePaymentFailed,
		EventTrialWillEnd:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
}

// EventStatus is the processing status of a stored event record.
type EventStatus string

const (
	// EventStatusReceived means the event is stored but not yet confirmed processed
	EventStatusReceived EventStatus = "received"
	// EventStatusProcessed means the state change and history entry are durable
	EventStatusProcessed EventStatus = "processed"
	// EventStatusFailed means processing failed and the event is retriable
	EventStatusFailed EventStatus = "failed"
)

// Tier is an internal entitlement tier name.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierVault   Tier = "vault"
)

// ParseTier maps a tier name to a known Tier, falling back to TierFree.
func ParseTier(s string) Tier {
	switch t := Tier(s); t {
	case TierStarter, TierPro, TierVault:
		return t
	default:
		return TierFree
	}
}

// SubscriptionStatus mirrors the provider's subscription status values.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// ParseSubscriptionStatus validates a provider subscription status string.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch st := SubscriptionStatus(s); st {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusIncomplete:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// grantsAccess reports whether a subscription status grants feature access.
// past_due keeps prior access (grace period) but never grants it.
func grantsAccess(st SubscriptionStatus) bool {
	return st == StatusActive || st == StatusTrialing
}

// ProviderEvent is a deserialized, signature-verified webhook event as handed
// to the engine by the transport layer.
type ProviderEvent struct {
	ID      string          `json:"providerEventId"`
	Type    string          `json:"eventType"`
	Payload json.RawMessage `json:"payload"`
}

// EventRecord is the append-only record of a received provider event.
// The raw payload is stored verbatim so retries replay exactly what the
// provider sent, independent of the provider's event retention window.
type EventRecord struct {
	ProviderEventID string
	Type            EventType
	RawPayload      json.RawMessage
	Status          EventStatus
	Attempts        int
	LastError       string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// Account is the subscription-relevant subset of a user account.
// Only the engine mutates these fields, via AccountPatch.
type Account struct {
	ID                     string
	Email                  string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Tier                   Tier
	SubscriptionStatus     SubscriptionStatus
	AccessGranted          bool
	PeriodEnd              *time.Time
	WelcomedSubscriptionID string
	UpdatedAt              time.Time
}

// AccountPatch is the narrow update contract for account subscription state.
// Nil fields are left untouched.
type AccountPatch struct {
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	Tier                   *Tier
	SubscriptionStatus     *SubscriptionStatus
	AccessGranted          *bool
	PeriodEnd              *time.Time
	WelcomedSubscriptionID *string
}

// IsZero reports whether the patch changes nothing.
func (p *AccountPatch) IsZero() bool {
	return p == nil || (p.ProviderCustomerID == nil && p.ProviderSubscriptionID == nil &&
		p.Tier == nil && p.SubscriptionStatus == nil && p.AccessGranted == nil &&
		p.PeriodEnd == nil && p.WelcomedSubscriptionID == nil)
}

// Apply copies the patch's set fields onto the account.
func (a *Account) Apply(p *AccountPatch) {
	if p == nil {
		return
	}
	if p.ProviderCustomerID != nil {
		a.ProviderCustomerID = *p.ProviderCustomerID
	}
	if p.ProviderSubscriptionID != nil {
		a.ProviderSubscriptionID = *p.ProviderSubscriptionID
	}
	if p.Tier != nil {
		a.Tier = *p.Tier
	}
	if p.SubscriptionStatus != nil {
		a.SubscriptionStatus = *p.SubscriptionStatus
	}
	if p.AccessGranted != nil {
		a.AccessGranted = *p.AccessGranted
	}
	if p.PeriodEnd != nil {
		end := *p.PeriodEnd
		a.PeriodEnd = &end
	}
	if p.WelcomedSubscriptionID != nil {
		a.WelcomedSubscriptionID = *p.WelcomedSubscriptionID
	}
}

// HistoryEntry is one immutable subscription ledger entry. The ordered
// sequence for an account folds left-to-right into its current state.
type HistoryEntry struct {
	AccountID              string
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	PlanName               string
	Tier                   Tier
	AmountCents            int64
	Currency               string
	Interval               string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	CanceledAt             *time.Time
	EndedAt                *time.Time
	SourceEventID          string
	RecordedAt             time.Time
}

// NotificationKind identifies a notification request category.
type NotificationKind string

const (
	// NotificationWelcome is sent once per distinct provider subscription
	NotificationWelcome NotificationKind = "welcome"
	// NotificationTrialEnding is sent when the provider announces trial expiry
	NotificationTrialEnding NotificationKind = "trial-ending"
	// NotificationRecovered is sent when a previously failed event succeeds on retry
	NotificationRecovered NotificationKind = "payment-recovered"
)

// Notification is a fire-and-forget side-effect request emitted by a handler.
// Delivery failures never affect the reconciled billing state.
type Notification struct {
	Kind      NotificationKind
	AccountID string
	Email     string
	Tier      Tier
	Meta      map[string]string
}

// ProcessingResult is the engine's answer for a single ingest or retry.
// Err is always recorded on the event record as well, so operators can
// inspect and re-drive failures.
type ProcessingResult struct {
	Success   bool
	Duplicate bool
	EventID   string
	EventType EventType
	Err       error
}

// Commit bundles everything the storage layer must persist atomically when an
// event processes successfully: the account patch, the history entry, and the
// processed marker. Marking processed must never become visible before the
// state and history writes are durable.
type Commit struct {
	ProviderEventID string
	AccountID       string
	Patch           *AccountPatch
	History         *HistoryEntry
	ProcessedAt     time.Time
}
