// Package prommetrics provides a Prometheus implementation of the
// reconcile.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	tierChangesTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	sweepRevocations   prometheus.Counter
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of ingested webhook events by outcome.",
		}, []string{"event_type", "status"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Latency of event reconciliation end to end.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_retries_total",
			Help:      "Total number of operator-driven event retries.",
		}, []string{"event_type", "status"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of account tier transitions.",
		}, []string{"from_tier", "to_tier"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification dispatch attempts.",
		}, []string{"kind", "status"}),

		sweepRevocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_revocations_total",
			Help:      "Total number of access revocations by the expiry sweep.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordEvent(eventType, status string) {
	m.eventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordProcessingDuration(eventType string, duration time.Duration) {
	m.processingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(eventType, status string) {
	m.retriesTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}

func (m *Metrics) RecordNotification(kind, status string) {
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordSweepRevocation() {
	m.sweepRevocations.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
