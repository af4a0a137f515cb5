package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - the engine gracefully handles nil metrics.
type Metrics interface {
	// RecordEvent records the outcome of an ingested event.
	// status: "processed", "failed" or "duplicate"
	RecordEvent(eventType, status string)

	// RecordProcessingDuration records how long an event took end to end.
	RecordProcessingDuration(eventType string, duration time.Duration)

	// RecordRetry records an operator-driven retry attempt.
	// status: "processed" or "failed"
	RecordRetry(eventType, status string)

	// RecordTierChange records when an account's tier changes.
	RecordTierChange(fromTier, toTier string)

	// RecordNotification records a dispatched notification request.
	// status: "sent", "error" or "dropped"
	RecordNotification(kind, status string)

	// RecordSweepRevocation records an access revocation by the expiry sweep.
	RecordSweepRevocation()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(_, _ string)                                       {}
func (n *NoopMetrics) RecordProcessingDuration(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordRetry(_, _ string)                                       {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                                  {}
func (n *NoopMetrics) RecordNotification(_, _ string)                                {}
func (n *NoopMetrics) RecordSweepRevocation()                                        {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error)     {}
