package queue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/pkg/metrics"
)

// StatKey groups queue rows for the stats projection. HasTrigger false is the
// default-path bucket (no rule matched) and is a first-class group
type StatKey struct {
	TriggerID  int64
	HasTrigger bool
	Status     models.QueueStatus
}

// StatsRepository is the read-side contract the aggregator projects over
type StatsRepository interface {
	CountByTriggerStatus(ctx context.Context, integrationID int64) (map[StatKey]int, error)
	CountAllByTriggerStatus(ctx context.Context) (map[int64]map[StatKey]int, error)
	CountBacklog(ctx context.Context, maxAttempts int) (int64, error)
}

// Aggregator rolls queue rows up into per-rule counters. It is a pure read
// projection: it never writes queue state
type Aggregator struct {
	repo        StatsRepository
	maxAttempts int
	logger      *slog.Logger
}

func NewAggregator(repo StatsRepository, maxAttempts int, logger *slog.Logger) *Aggregator {
	return &Aggregator{repo: repo, maxAttempts: maxAttempts, logger: logger}
}

// Stats returns per-(trigger, status) row counts for one integration
func (a *Aggregator) Stats(ctx context.Context, integrationID int64) (map[StatKey]int, error) {
	return a.repo.CountByTriggerStatus(ctx, integrationID)
}

// Run refreshes the exported gauges on a fixed interval until the context is
// canceled. Gauge refresh failures are logged and retried next tick
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Stats aggregator stopping")
			return
		case <-ticker.C:
			if err := a.refresh(ctx); err != nil {
				a.logger.Error("Stats refresh failed", "error", err)
			}
		}
	}
}

func (a *Aggregator) refresh(ctx context.Context) error {
	backlog, err := a.repo.CountBacklog(ctx, a.maxAttempts)
	if err != nil {
		return err
	}
	metrics.QueueBacklog.Set(float64(backlog))

	all, err := a.repo.CountAllByTriggerStatus(ctx)
	if err != nil {
		return err
	}

	metrics.QueueRows.Reset()
	for integrationID, counts := range all {
		for key, n := range counts {
			trigger := "none"
			if key.HasTrigger {
				trigger = strconv.FormatInt(key.TriggerID, 10)
			}
			metrics.QueueRows.WithLabelValues(
				strconv.FormatInt(integrationID, 10),
				trigger,
				string(key.Status),
			).Set(float64(n))
		}
	}
	return nil
}
