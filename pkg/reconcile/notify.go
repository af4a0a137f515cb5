package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultNotifyWorkers = 4
	notifyQueueSize      = 256
	notifySendTimeout    = 30 * time.Second
)

// Notifier is the outbound notification sink (e.g. a transactional email
// service). Implementations may retry internally; the engine treats every
// send as best-effort.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// dispatcher delivers notifications on a bounded worker pool so a slow sink
// cannot extend the provider's webhook timeout budget. Failures are logged
// and counted, never escalated to event status.
type dispatcher struct {
	notifier Notifier
	logger   Logger
	metrics  Metrics

	queue     chan Notification
	group     *errgroup.Group
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newDispatcher(notifier Notifier, workers int, logger Logger, metrics Metrics) *dispatcher {
	if workers <= 0 {
		workers = defaultNotifyWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	d := &dispatcher{
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan Notification, notifyQueueSize),
		group:    group,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		group.Go(func() error {
			d.run(ctx)
			return nil
		})
	}

	return d
}

func (d *dispatcher) run(ctx context.Context) {
	for n := range d.queue {
		sendCtx, cancel := context.WithTimeout(ctx, notifySendTimeout)
		err := d.notifier.Send(sendCtx, n)
		cancel()

		if err != nil {
			d.metrics.RecordNotification(string(n.Kind), "error")
			d.logger.Warn("notification send failed",
				Field{Key: "kind", Value: string(n.Kind)},
				Field{Key: "account_id", Value: n.AccountID},
				Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		d.metrics.RecordNotification(string(n.Kind), "sent")
	}
}

// enqueue hands a notification to the worker pool without blocking the ingest
// path. When the queue is full the notification is dropped and counted.
func (d *dispatcher) enqueue(n Notification) {
	select {
	case d.queue <- n:
	default:
		d.metrics.RecordNotification(string(n.Kind), "dropped")
		d.logger.Warn("notification queue full, dropping",
			Field{Key: "kind", Value: string(n.Kind)},
			Field{Key: "account_id", Value: n.AccountID},
		)
	}
}

// close drains in-flight sends and stops the workers. Safe to call more
// than once.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		_ = d.group.Wait()
		d.cancel()
	})
}
