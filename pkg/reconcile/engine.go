package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// sweepSourceID marks history entries written by the access expiry sweep
	// rather than by a provider event.
	sweepSourceID = "access-sweep"
)

// Config holds reconciliation engine configuration.
type Config struct {
	// Storage is the persistence backend (required)
	Storage Storage

	// Resolver maps provider price IDs to plans (required)
	Resolver *PlanResolver

	// Notifier is the best-effort notification sink (optional)
	Notifier Notifier

	// NotifyWorkers sizes the notification worker pool (default: 4)
	NotifyWorkers int

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking reconciliation operations (default: NoopMetrics)
	Metrics Metrics

	// Now overrides the clock, for tests (default: time.Now UTC)
	Now func() time.Time
}

// Engine orchestrates webhook ingestion: dedup, handler dispatch, durable
// commit of the state diff plus history entry, failure bookkeeping and
// best-effort notification dispatch. It is the only writer of event records,
// account subscription state and the history ledger.
type Engine struct {
	storage    Storage
	resolver   *PlanResolver
	logger     Logger
	metrics    Metrics
	now        func() time.Time
	dispatcher *dispatcher
}

// NewEngine creates a reconciliation engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("plan resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		storage:  cfg.Storage,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if cfg.Notifier != nil {
		e.dispatcher = newDispatcher(cfg.Notifier, cfg.NotifyWorkers, cfg.Logger, cfg.Metrics)
	}
	return e, nil
}

// Close drains in-flight notifications and releases the worker pool.
func (e *Engine) Close() {
	if e.dispatcher != nil {
		e.dispatcher.close()
	}
}

// Plans returns the engine's plan resolver. Operators register missing
// plans here before retrying events that failed on an unknown price.
func (e *Engine) Plans() *PlanResolver {
	return e.resolver
}

// Ingest reconciles one inbound provider event. It never panics or returns an
// unrecorded failure: every recognized event ends up processed or failed in
// the event store, and the result is always well-formed so the HTTP caller
// can answer the provider.
//
// Duplicate deliveries of an already-processed event short-circuit to success
// without invoking any handler. Duplicates of a received or failed event are
// reprocessed from the stored payload.
func (e *Engine) Ingest(ctx context.Context, ev ProviderEvent) ProcessingResult {
	if ev.ID == "" || len(ev.Payload) == 0 {
		return ProcessingResult{EventID: ev.ID, Err: fmt.Errorf("%w: missing event id or payload", ErrInvalidEvent)}
	}
	eventType, err := ParseEventType(ev.Type)
	if err != nil {
		return ProcessingResult{EventID: ev.ID, Err: err}
	}

	rec := &EventRecord{
		ProviderEventID: ev.ID,
		Type:            eventType,
		RawPayload:      ev.Payload,
		Status:          EventStatusReceived,
		ReceivedAt:      e.now(),
	}

	isNew, existing, err := e.storage.RecordEventIfNew(ctx, rec)
	if err != nil {
		// Nothing was stored, so the provider must redeliver.
		return ProcessingResult{EventID: ev.ID, EventType: eventType,
			Err: fmt.Errorf("%w: failed to record event: %v", ErrStorageUnavailable, err)}
	}
	if !isNew {
		if existing.Status == EventStatusProcessed {
			e.metrics.RecordEvent(string(existing.Type), "duplicate")
			e.logger.Debug("duplicate delivery of processed event",
				Field{Key: "event_id", Value: ev.ID},
				Field{Key: "event_type", Value: string(existing.Type)},
			)
			return ProcessingResult{Success: true, Duplicate: true, EventID: ev.ID, EventType: existing.Type}
		}
		// Redelivery of a received or failed event: replay the stored payload.
		rec = existing
	}

	res, _ := e.process(ctx, rec)
	return res
}

// Retry re-drives a previously failed event from its stored raw payload.
// Retrying a processed event is a no-op returning success. A retry that
// succeeds after prior failures triggers a payment-recovered notification.
func (e *Engine) Retry(ctx context.Context, providerEventID string) ProcessingResult {
	rec, err := e.storage.GetEvent(ctx, providerEventID)
	if err != nil {
		return ProcessingResult{EventID: providerEventID, Err: err}
	}

	switch rec.Status {
	case EventStatusProcessed:
		return ProcessingResult{Success: true, Duplicate: true, EventID: providerEventID, EventType: rec.Type}
	case EventStatusFailed:
		// Retriable.
	default:
		return ProcessingResult{
			EventID:   providerEventID,
			EventType: rec.Type,
			Err:       fmt.Errorf("%w: status %q", ErrEventNotRetriable, rec.Status),
		}
	}

	priorAttempts := rec.Attempts
	res, outcome := e.process(ctx, rec)

	status := "failed"
	if res.Success {
		status = "processed"
	}
	e.metrics.RecordRetry(string(rec.Type), status)

	if res.Success && priorAttempts > 0 && outcome != nil && outcome.AccountID != "" {
		if acct, aerr := e.storage.GetAccount(ctx, outcome.AccountID); aerr == nil {
			e.emit(Notification{
				Kind:      NotificationRecovered,
				AccountID: acct.ID,
				Email:     acct.Email,
				Tier:      acct.Tier,
				Meta:      map[string]string{"event_id": providerEventID},
			})
		}
	}
	return res
}

// process runs the handler for a stored event record and commits or records
// the outcome. Handler errors and panics never cross this boundary.
func (e *Engine) process(ctx context.Context, rec *EventRecord) (ProcessingResult, *Outcome) {
	start := time.Now()

	outcome, acct, err := e.runHandler(ctx, rec)
	if err != nil {
		if markErr := e.storage.MarkEventFailed(ctx, rec.ProviderEventID, err.Error()); markErr != nil {
			e.logger.Error("failed to mark event failed",
				Field{Key: "event_id", Value: rec.ProviderEventID},
				Field{Key: "error", Value: markErr.Error()},
			)
		}
		e.metrics.RecordEvent(string(rec.Type), "failed")
		e.metrics.RecordProcessingDuration(string(rec.Type), time.Since(start))
		e.logger.Warn("event processing failed",
			Field{Key: "event_id", Value: rec.ProviderEventID},
			Field{Key: "event_type", Value: string(rec.Type)},
			Field{Key: "error", Value: err.Error()},
		)
		return ProcessingResult{EventID: rec.ProviderEventID, EventType: rec.Type, Err: err}, nil
	}

	commit := &Commit{
		ProviderEventID: rec.ProviderEventID,
		AccountID:       outcome.AccountID,
		Patch:           outcome.Patch,
		History:         outcome.History,
		ProcessedAt:     e.now(),
	}

	commitStart := time.Now()
	if err := e.storage.CommitOutcome(ctx, commit); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// A concurrent delivery won the commit; this leg's outcome was
			// discarded, so its notifications must not go out either.
			e.metrics.RecordStorageOperation("CommitOutcome", time.Since(commitStart), nil)
			e.metrics.RecordEvent(string(rec.Type), "duplicate")
			e.logger.Debug("event committed by concurrent delivery",
				Field{Key: "event_id", Value: rec.ProviderEventID},
				Field{Key: "event_type", Value: string(rec.Type)},
			)
			return ProcessingResult{Success: true, Duplicate: true, EventID: rec.ProviderEventID, EventType: rec.Type}, nil
		}
		e.metrics.RecordStorageOperation("CommitOutcome", time.Since(commitStart), err)
		e.metrics.RecordEvent(string(rec.Type), "failed")
		// The event stays received/failed, so the provider's retry (or an
		// operator re-drive) can safely run the whole pipeline again.
		return ProcessingResult{
			EventID:   rec.ProviderEventID,
			EventType: rec.Type,
			Err:       fmt.Errorf("failed to commit reconciliation: %w", err),
		}, nil
	}
	e.metrics.RecordStorageOperation("CommitOutcome", time.Since(commitStart), nil)

	if acct != nil && outcome.Patch != nil && outcome.Patch.Tier != nil && *outcome.Patch.Tier != acct.Tier {
		e.metrics.RecordTierChange(string(acct.Tier), string(*outcome.Patch.Tier))
	}

	for _, n := range outcome.Notifications {
		e.emit(n)
	}

	e.metrics.RecordEvent(string(rec.Type), "processed")
	e.metrics.RecordProcessingDuration(string(rec.Type), time.Since(start))

	fields := []Field{
		{Key: "event_id", Value: rec.ProviderEventID},
		{Key: "event_type", Value: string(rec.Type)},
		{Key: "account_id", Value: outcome.AccountID},
	}
	if outcome.Note != "" {
		fields = append(fields, Field{Key: "note", Value: outcome.Note})
	}
	e.logger.Info("event processed", fields...)

	return ProcessingResult{Success: true, EventID: rec.ProviderEventID, EventType: rec.Type}, outcome
}

// runHandler looks up the account referenced by the event and dispatches the
// pure handler. Panics are converted to errors so a buggy handler leaves the
// event record in a well-defined failed state.
func (e *Engine) runHandler(ctx context.Context, rec *EventRecord) (out *Outcome, acct *Account, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, acct = nil, nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	email, customerID, subscriptionID, err := lookupKeys(rec)
	if err != nil {
		return nil, nil, err
	}

	acct, err = e.lookupAccount(ctx, email, customerID, subscriptionID)
	if err != nil {
		return nil, nil, err
	}

	out, err = applyEvent(rec, acct, e.resolver, e.now())
	return out, acct, err
}

// lookupAccount resolves an account by the strongest available key. A missing
// account is not an error here; handlers decide whether that fails the event.
func (e *Engine) lookupAccount(ctx context.Context, email, customerID, subscriptionID string) (*Account, error) {
	lookups := []func(context.Context) (*Account, error){}
	if subscriptionID != "" {
		lookups = append(lookups, func(ctx context.Context) (*Account, error) {
			return e.storage.FindAccountBySubscriptionID(ctx, subscriptionID)
		})
	}
	if customerID != "" {
		lookups = append(lookups, func(ctx context.Context) (*Account, error) {
			return e.storage.FindAccountByCustomerID(ctx, customerID)
		})
	}
	if email != "" {
		lookups = append(lookups, func(ctx context.Context) (*Account, error) {
			return e.storage.FindAccountByEmail(ctx, email)
		})
	}

	for _, find := range lookups {
		acct, err := find(ctx)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("account lookup failed: %w", err)
		}
	}
	return nil, nil
}

func (e *Engine) emit(n Notification) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.enqueue(n)
}

// RecentEvents returns up to limit event records, newest first.
// Limits outside (0, maxListLimit] are clamped.
func (e *Engine) RecentEvents(ctx context.Context, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return e.storage.ListEvents(ctx, limit)
}

// AccountHistory returns the account's subscription history, oldest first.
func (e *Engine) AccountHistory(ctx context.Context, accountID string) ([]*HistoryEntry, error) {
	return e.storage.ListHistory(ctx, accountID)
}

// Access is the narrow read surface for downstream consumers (quota service,
// feature gates): the resolved tier and the access flag, nothing else.
// Unknown accounts resolve to free tier without access.
func (e *Engine) Access(ctx context.Context, accountID string) (Tier, bool, error) {
	acct, err := e.storage.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return TierFree, false, nil
		}
		return TierFree, false, err
	}
	tier := acct.Tier
	if tier == "" {
		tier = TierFree
	}
	return tier, acct.AccessGranted, nil
}

// SweepExpiredAccess revokes access for canceled accounts whose paid period
// has elapsed. Cancellation events retain tier and access until PeriodEnd;
// this sweep is the scheduled job that finishes the revocation. Returns the
// number of accounts revoked.
func (e *Engine) SweepExpiredAccess(ctx context.Context) (int, error) {
	now := e.now()
	accounts, err := e.storage.ExpiredAccess(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired accounts: %w", err)
	}

	revoked := 0
	for _, acct := range accounts {
		tier, granted := TierFree, false
		patch := &AccountPatch{Tier: &tier, AccessGranted: &granted}
		if err := e.storage.UpdateAccount(ctx, acct.ID, patch); err != nil {
			e.logger.Error("sweep: failed to revoke access",
				Field{Key: "account_id", Value: acct.ID},
				Field{Key: "error", Value: err.Error()},
			)
			continue
		}

		endedAt := now
		entry := &HistoryEntry{
			AccountID:              acct.ID,
			ProviderSubscriptionID: acct.ProviderSubscriptionID,
			Status:                 StatusCanceled,
			PlanName:               string(TierFree),
			Tier:                   TierFree,
			PeriodEnd:              acct.PeriodEnd,
			EndedAt:                &endedAt,
			SourceEventID:          sweepSourceID,
			RecordedAt:             now,
		}
		if err := e.storage.AppendHistory(ctx, entry); err != nil {
			e.logger.Error("sweep: failed to append history entry",
				Field{Key: "account_id", Value: acct.ID},
				Field{Key: "error", Value: err.Error()},
			)
		}

		e.metrics.RecordSweepRevocation()
		e.metrics.RecordTierChange(string(acct.Tier), string(TierFree))
		e.logger.Info("sweep: access revoked",
			Field{Key: "account_id", Value: acct.ID},
			Field{Key: "previous_tier", Value: string(acct.Tier)},
		)
		revoked++
	}
	return revoked, nil
}
