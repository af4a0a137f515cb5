package reconcile

import "errors"

var (
	// ErrInvalidEvent is returned for malformed inbound events (missing ID or payload)
	ErrInvalidEvent = errors.New("invalid provider event")

	// ErrUnknownEventType is returned when the event type is not recognized
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrUnknownStatus is returned for an unrecognized provider subscription status
	ErrUnknownStatus = errors.New("unknown subscription status")

	// ErrUnknownPlan is returned when a price ID has no configured plan mapping
	ErrUnknownPlan = errors.New("unknown plan for price id")

	// ErrEventNotFound is returned when no event record matches the given ID
	ErrEventNotFound = errors.New("event not found")

	// ErrAlreadyProcessed is returned by CommitOutcome when a concurrent
	// delivery committed the event first and this commit wrote nothing
	ErrAlreadyProcessed = errors.New("event already processed")

	// ErrAccountNotFound is returned when no account matches the lookup key
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotLinked is returned when an event references a customer or
	// subscription that no account is linked to yet
	ErrAccountNotLinked = errors.New("no account linked to provider identifier")

	// ErrEventNotRetriable is returned when retrying an event that never failed
	ErrEventNotRetriable = errors.New("event is not in a retriable state")

	// ErrStorageUnavailable is returned when the storage backend is missing or down
	ErrStorageUnavailable = errors.New("storage unavailable")
)
