package reconcile

import (
	"fmt"
	"time"
)

// Outcome is the declarative result of a handler: the state diff to apply,
// the history entry to append and the notifications to request. Handlers
// never perform I/O; the engine persists and dispatches on their behalf.
type Outcome struct {
	AccountID     string
	Patch         *AccountPatch
	History       *HistoryEntry
	Notifications []Notification

	// Note is set when the event is recorded as processed with no state
	// change (e.g. customer.created with no matching account yet).
	Note string
}

// applyEvent dispatches an event to its handler. The switch is exhaustive
// over EventType; ParseEventType guarantees no other value reaches here.
func applyEvent(rec *EventRecord, acct *Account, resolver *PlanResolver, now time.Time) (*Outcome, error) {
	switch rec.Type {
	case EventCustomerCreated, EventCustomerUpdated:
		return handleCustomer(rec, acct)
	case EventSubscriptionCreated:
		return handleSubscriptionChange(rec, acct, resolver, now, true)
	case EventSubscriptionUpdated:
		return handleSubscriptionChange(rec, acct, resolver, now, false)
	case EventSubscriptionDeleted:
		return handleSubscriptionDeleted(rec, acct, now)
	case EventInvoicePaid:
		return handleInvoicePaid(rec, acct, now)
	case EventInvoicePaymentFailed:
		return handleInvoiceFailed(rec, acct, now)
	case EventTrialWillEnd:
		return handleTrialWillEnd(rec, acct)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, rec.Type)
	}
}

// handleCustomer associates the provider customer ID with the account matched
// by email. A missing account is not a failure: linkage may arrive later via
// a different path, so the event is recorded processed with a no-op note.
func handleCustomer(rec *EventRecord, acct *Account) (*Outcome, error) {
	p, err := parseCustomerPayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}

	if acct == nil {
		return &Outcome{
			Note: fmt.Sprintf("no account matches email for customer %s", p.CustomerID),
		}, nil
	}

	customerID := p.CustomerID
	return &Outcome{
		AccountID: acct.ID,
		Patch:     &AccountPatch{ProviderCustomerID: &customerID},
	}, nil
}

// handleSubscriptionChange covers subscription.created and subscription.updated.
// It resolves the tier from the price ID and computes the absolute next state
// from the payload, which is what makes out-of-order delivery safe.
func handleSubscriptionChange(rec *EventRecord, acct *Account, resolver *PlanResolver, now time.Time, welcome bool) (*Outcome, error) {
	p, err := parseSubscriptionPayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: subscription %s (customer %s)", ErrAccountNotLinked, p.SubscriptionID, p.CustomerID)
	}

	plan, err := resolver.Resolve(p.PriceID)
	if err != nil {
		return nil, err
	}
	status, err := ParseSubscriptionStatus(p.Status)
	if err != nil {
		return nil, err
	}

	subID := p.SubscriptionID
	patch := &AccountPatch{
		ProviderSubscriptionID: &subID,
		SubscriptionStatus:     &status,
	}
	if p.CustomerID != "" {
		patch.ProviderCustomerID = &p.CustomerID
	}
	if end := unixTime(p.CurrentPeriodEnd); end != nil {
		patch.PeriodEnd = end
	}

	switch {
	case grantsAccess(status):
		tier, granted := plan.Tier, true
		patch.Tier = &tier
		patch.AccessGranted = &granted
	case status == StatusPastDue:
		// Grace period: prior tier and access are retained untouched.
	default:
		tier, granted := TierFree, false
		patch.Tier = &tier
		patch.AccessGranted = &granted
	}

	out := &Outcome{
		AccountID: acct.ID,
		Patch:     patch,
		History: &HistoryEntry{
			AccountID:              acct.ID,
			ProviderSubscriptionID: p.SubscriptionID,
			Status:                 status,
			PlanName:               plan.Name,
			Tier:                   plan.Tier,
			AmountCents:            plan.AmountCents,
			Currency:               plan.Currency,
			Interval:               plan.Interval,
			PeriodStart:            unixTime(p.CurrentPeriodStart),
			PeriodEnd:              unixTime(p.CurrentPeriodEnd),
			SourceEventID:          rec.ProviderEventID,
			RecordedAt:             now,
		},
	}

	// Welcome is sent at most once per distinct provider subscription.
	if welcome && acct.WelcomedSubscriptionID != p.SubscriptionID {
		patch.WelcomedSubscriptionID = &subID
		out.Notifications = append(out.Notifications, Notification{
			Kind:      NotificationWelcome,
			AccountID: acct.ID,
			Email:     acct.Email,
			Tier:      plan.Tier,
			Meta:      map[string]string{"subscription_id": p.SubscriptionID, "plan": plan.Name},
		})
	}

	return out, nil
}

// handleSubscriptionDeleted cancels the subscription. When the cancellation
// lands before the paid period elapses, tier and access are retained until
// PeriodEnd; the scheduled sweep revokes them afterwards.
func handleSubscriptionDeleted(rec *EventRecord, acct *Account, now time.Time) (*Outcome, error) {
	p, err := parseSubscriptionPayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: subscription %s (customer %s)", ErrAccountNotLinked, p.SubscriptionID, p.CustomerID)
	}

	canceledAt := unixTime(p.CanceledAt)
	if canceledAt == nil {
		t := now
		canceledAt = &t
	}
	periodEnd := unixTime(p.CurrentPeriodEnd)
	if periodEnd == nil {
		periodEnd = acct.PeriodEnd
	}

	status := StatusCanceled
	patch := &AccountPatch{SubscriptionStatus: &status}
	entry := &HistoryEntry{
		AccountID:              acct.ID,
		ProviderSubscriptionID: p.SubscriptionID,
		Status:                 StatusCanceled,
		PlanName:               string(acct.Tier),
		Tier:                   acct.Tier,
		PeriodStart:            unixTime(p.CurrentPeriodStart),
		PeriodEnd:              periodEnd,
		CanceledAt:             canceledAt,
		SourceEventID:          rec.ProviderEventID,
		RecordedAt:             now,
	}

	grace := periodEnd != nil && canceledAt.Before(*periodEnd) && now.Before(*periodEnd)
	if grace {
		// Paid through PeriodEnd: keep tier and access until then.
		granted := true
		patch.AccessGranted = &granted
		if periodEnd != nil {
			patch.PeriodEnd = periodEnd
		}
	} else {
		tier, granted := TierFree, false
		patch.Tier = &tier
		patch.AccessGranted = &granted
		endedAt := unixTime(p.EndedAt)
		if endedAt == nil {
			endedAt = canceledAt
		}
		entry.EndedAt = endedAt
	}

	return &Outcome{AccountID: acct.ID, Patch: patch, History: entry}, nil
}

// handleInvoicePaid appends an audit-only payment entry. When the account sat
// in past_due, a successful payment also restores active status.
func handleInvoicePaid(rec *EventRecord, acct *Account, now time.Time) (*Outcome, error) {
	p, err := parseInvoicePayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: invoice %s for subscription %s", ErrAccountNotLinked, p.InvoiceID, p.SubscriptionID)
	}

	status := acct.SubscriptionStatus
	var patch *AccountPatch
	if status == StatusPastDue {
		recovered, granted := StatusActive, true
		status = recovered
		patch = &AccountPatch{SubscriptionStatus: &recovered, AccessGranted: &granted}
	}

	return &Outcome{
		AccountID: acct.ID,
		Patch:     patch,
		History: &HistoryEntry{
			AccountID:              acct.ID,
			ProviderSubscriptionID: p.SubscriptionID,
			Status:                 status,
			PlanName:               string(acct.Tier),
			Tier:                   acct.Tier,
			AmountCents:            p.AmountCents,
			Currency:               p.Currency,
			PeriodStart:            unixTime(p.PeriodStart),
			PeriodEnd:              unixTime(p.PeriodEnd),
			SourceEventID:          rec.ProviderEventID,
			RecordedAt:             now,
		},
	}, nil
}

// handleInvoiceFailed moves the subscription into past_due. Access is left
// untouched: the account is not cut off on first failure.
func handleInvoiceFailed(rec *EventRecord, acct *Account, now time.Time) (*Outcome, error) {
	p, err := parseInvoicePayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: invoice %s for subscription %s", ErrAccountNotLinked, p.InvoiceID, p.SubscriptionID)
	}

	status := StatusPastDue
	return &Outcome{
		AccountID: acct.ID,
		Patch:     &AccountPatch{SubscriptionStatus: &status},
		History: &HistoryEntry{
			AccountID:              acct.ID,
			ProviderSubscriptionID: p.SubscriptionID,
			Status:                 StatusPastDue,
			PlanName:               string(acct.Tier),
			Tier:                   acct.Tier,
			AmountCents:            p.AmountCents,
			Currency:               p.Currency,
			PeriodStart:            unixTime(p.PeriodStart),
			PeriodEnd:              unixTime(p.PeriodEnd),
			SourceEventID:          rec.ProviderEventID,
			RecordedAt:             now,
		},
	}, nil
}

// handleTrialWillEnd changes no state; it only requests a trial-ending
// notification for the account.
func handleTrialWillEnd(rec *EventRecord, acct *Account) (*Outcome, error) {
	p, err := parseSubscriptionPayload(rec.RawPayload)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: subscription %s (customer %s)", ErrAccountNotLinked, p.SubscriptionID, p.CustomerID)
	}

	return &Outcome{
		AccountID: acct.ID,
		Notifications: []Notification{{
			Kind:      NotificationTrialEnding,
			AccountID: acct.ID,
			Email:     acct.Email,
			Tier:      acct.Tier,
			Meta:      map[string]string{"subscription_id": p.SubscriptionID},
		}},
	}, nil
}

// lookupKeys extracts the account lookup keys for an event. customer.* events
// match by email; everything else matches by subscription then customer ID.
func lookupKeys(rec *EventRecord) (email, customerID, subscriptionID string, err error) {
	switch rec.Type {
	case EventCustomerCreated, EventCustomerUpdated:
		p, perr := parseCustomerPayload(rec.RawPayload)
		if perr != nil {
			return "", "", "", perr
		}
		return p.Email, "", "", nil
	case EventInvoicePaid, EventInvoicePaymentFailed:
		p, perr := parseInvoicePayload(rec.RawPayload)
		if perr != nil {
			return "", "", "", perr
		}
		return "", p.CustomerID, p.SubscriptionID, nil
	default:
		p, perr := parseSubscriptionPayload(rec.RawPayload)
		if perr != nil {
			return "", "", "", perr
		}
		return "", p.CustomerID, p.SubscriptionID, nil
	}
}
