package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/internal/queue"
	"github.com/rmaia/crm-bridge/internal/transport"
	"github.com/rmaia/crm-bridge/pkg/infra"
	"github.com/rmaia/crm-bridge/pkg/metrics"
)

// EventDeliverer is the slice of the transport client the dispatcher needs
type EventDeliverer interface {
	DeliverEvent(ctx context.Context, row *models.QueueEvent) (string, error)
}

// Maintenance is the janitor-side storage contract
type Maintenance interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Dispatcher runs the delivery workers. Each worker loops
// claim -> transmit -> resolve with a per-call timeout; aborting one delivery
// never touches another row
type Dispatcher struct {
	queue           *queue.Controller
	client          EventDeliverer
	maintenance     Maintenance
	workers         int
	pollInterval    time.Duration
	deliveryTimeout time.Duration
	staleClaimAge   time.Duration
	logger          *slog.Logger
}

func NewDispatcher(qc *queue.Controller, client EventDeliverer, maintenance Maintenance, workers int, pollInterval, deliveryTimeout, staleClaimAge time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:           qc,
		client:          client,
		maintenance:     maintenance,
		workers:         workers,
		pollInterval:    pollInterval,
		deliveryTimeout: deliveryTimeout,
		staleClaimAge:   staleClaimAge,
		logger:          logger,
	}
}

// Run blocks until the context is canceled
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			d.runWorker(ctx, workerID)
			return nil
		})
	}

	g.Go(func() error {
		d.runJanitor(ctx)
		return nil
	})

	d.logger.Info("🚀 Dispatcher started", "workers", d.workers)
	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	l := d.logger.With("worker_id", workerID)
	claimBackoff := infra.NewBackoff(d.pollInterval, 30*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			l.Info("Worker shutting down")
			return
		default:
		}

		row, err := d.queue.ClaimNext(ctx, workerID)
		if err != nil {
			wait := claimBackoff.Next()
			l.Error("Claim failed, backing off", "wait", wait, "error", err)
			sleep(ctx, wait)
			continue
		}
		claimBackoff.Reset()

		if row == nil {
			sleep(ctx, d.pollInterval)
			continue
		}

		d.deliver(ctx, l, row)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, l *slog.Logger, row *models.QueueEvent) {
	start := time.Now()
	defer func() {
		metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	l = l.With("queue_id", row.ID, "card_id", row.CardID, "event_type", row.EventType)

	// Idempotent re-delivery suppression: a prior attempt may have landed on
	// the platform without us recording the ack. Reuse its external id
	// instead of creating a duplicate
	known, err := d.queue.LookupSentExternalID(ctx, row)
	if err != nil {
		d.resolve(ctx, l, row, queue.Outcome{Err: err, Retryable: true}, "failed_retryable")
		return
	}
	if known != nil {
		l.Info("Duplicate delivery suppressed", "external_id", *known)
		d.resolve(ctx, l, row, queue.Outcome{Sent: true, ExternalID: *known}, "duplicate")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	externalID, err := d.client.DeliverEvent(callCtx, row)
	cancel()

	if err != nil {
		retryable := transport.IsRetryable(err)
		result := "failed_terminal"
		if retryable {
			result = "failed_retryable"
		}
		d.resolve(ctx, l, row, queue.Outcome{Err: err, Retryable: retryable}, result)
		return
	}

	d.resolve(ctx, l, row, queue.Outcome{Sent: true, ExternalID: externalID}, "sent")
}

func (d *Dispatcher) resolve(ctx context.Context, l *slog.Logger, row *models.QueueEvent, out queue.Outcome, result string) {
	// Resolution must survive the shutdown signal: the delivery already
	// happened, losing the outcome would strand the row in processing
	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.queue.Resolve(resolveCtx, row, out); err != nil {
		// The row stays in processing; the janitor rescues it later
		l.Error("CRITICAL: Failed to resolve delivery outcome", "error", err)
		return
	}
	metrics.Deliveries.WithLabelValues(result).Inc()
}

func (d *Dispatcher) runJanitor(ctx context.Context) {
	interval := d.staleClaimAge / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		case <-ticker.C:
			affected, err := d.maintenance.ResetStaleProcessing(ctx, d.staleClaimAge)
			if err != nil {
				d.logger.Error("Janitor: Failed to reset stale rows", "error", err)
				continue
			}
			if affected > 0 {
				metrics.StaleResets.Add(float64(affected))
				d.logger.Warn("Janitor: Rescued stuck rows", "count", affected)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
