package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/internal/rules"
)

// Storage defines the persistence contract for queue rows. Claiming must be
// an atomic conditional transition so that at most one worker ever delivers
// a given row concurrently
type Storage interface {
	Insert(ctx context.Context, ev *models.QueueEvent) (int64, error)
	// ClaimNext transitions the oldest eligible row (pending, or failed below
	// maxAttempts whose next_attempt_at has passed) to processing and returns
	// it. A nil row with a nil error means nothing is claimable right now
	ClaimNext(ctx context.Context, workerID string, maxAttempts int) (*models.QueueEvent, error)
	MarkSent(ctx context.Context, id int64, externalID string) error
	MarkFailed(ctx context.Context, id int64, errLog string, attempts int, nextAttempt *time.Time) error
	MarkBlocked(ctx context.Context, id int64, reason string) error
	// FindSentExternalID looks up a prior successful delivery of the same
	// logical event. Trigger id is matched null-sensitively: the default path
	// is its own identity
	FindSentExternalID(ctx context.Context, integrationID, cardID int64, eventType models.RuleEventType, triggerID *int64) (*string, error)
}

// Controller owns the queue row lifecycle from creation through terminal
// status. It never touches rule evaluation; it only records and transitions
// what the matchers decided
type Controller struct {
	store       Storage
	policy      BackoffPolicy
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewController(store Storage, policy BackoffPolicy, maxAttempts int, logger *slog.Logger) *Controller {
	return &Controller{
		store:       store,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue materializes a matcher decision as a queue row. Allowed events
// enter as pending; shadow decisions and blocks are terminal on arrival, no
// delivery attempt is ever made for them
func (c *Controller) Enqueue(ctx context.Context, ev *models.ChangeEvent, d rules.Decision, payload json.RawMessage) (int64, error) {
	now := c.now()
	row := &models.QueueEvent{
		IntegrationID:    ev.IntegrationID,
		CardID:           ev.CardID,
		EventType:        ev.EventType,
		MatchedTriggerID: d.RuleID,
		Payload:          payload,
		CreatedAt:        now,
	}

	switch {
	case d.Allowed && !d.Shadow:
		row.Status = models.StatusPending
	case d.Allowed && d.Shadow:
		row.Status = models.StatusShadow
		row.ProcessedAt = &now
	default:
		row.Status = models.StatusBlocked
		row.ProcessingLog = d.Reason
		row.Payload = models.BlockedPayloadJSON(d.Reason)
		row.ProcessedAt = &now
	}

	id, err := c.store.Insert(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue row: %w", err)
	}

	c.logger.Debug("Queue row created",
		"queue_id", id,
		"card_id", ev.CardID,
		"event_type", ev.EventType,
		"status", row.Status,
	)
	return id, nil
}

// ClaimNext claims the next deliverable row for the worker. The claim is a
// compare-and-swap on status inside storage; two workers can never hold the
// same row
func (c *Controller) ClaimNext(ctx context.Context, workerID string) (*models.QueueEvent, error) {
	return c.store.ClaimNext(ctx, workerID, c.maxAttempts)
}

// LookupSentExternalID returns the external id of a prior successful delivery
// of the same logical event, or nil if this is the first delivery
func (c *Controller) LookupSentExternalID(ctx context.Context, row *models.QueueEvent) (*string, error) {
	return c.store.FindSentExternalID(ctx, row.IntegrationID, row.CardID, row.EventType, row.MatchedTriggerID)
}

// Outcome describes how a claimed delivery ended. Exactly one of the three
// branches applies: Sent, BlockedReason, or Err
type Outcome struct {
	Sent          bool
	ExternalID    string
	BlockedReason string // late-stage policy veto after claiming
	Err           error  // delivery error; classification decides retryability
	Retryable     bool
}

// Resolve transitions a processing row to its outcome state.
//
// Resolving sent twice is a no-op in storage: external_id and processed_at
// are assigned once and stats never double-count. A retryable failure below
// the attempt ceiling stays reclaimable with a next_attempt_at from the
// injected policy; at the ceiling, or for terminal errors, the row stays
// failed permanently
func (c *Controller) Resolve(ctx context.Context, row *models.QueueEvent, out Outcome) error {
	l := c.logger.With("queue_id", row.ID, "card_id", row.CardID, "event_type", row.EventType)

	switch {
	case out.Sent:
		if err := c.store.MarkSent(ctx, row.ID, out.ExternalID); err != nil {
			return fmt.Errorf("failed to mark row %d as sent: %w", row.ID, err)
		}
		l.Info("Delivery confirmed", "external_id", out.ExternalID)
		return nil

	case out.BlockedReason != "":
		if err := c.store.MarkBlocked(ctx, row.ID, out.BlockedReason); err != nil {
			return fmt.Errorf("failed to mark row %d as blocked: %w", row.ID, err)
		}
		l.Warn("Delivery vetoed after claim", "reason", out.BlockedReason)
		return nil

	case out.Err != nil:
		attempts := row.Attempts + 1
		var next *time.Time
		if out.Retryable && attempts < c.maxAttempts {
			at := c.policy.NextAttempt(attempts, c.now())
			next = &at
		}

		errLog := out.Err.Error()
		if err := c.store.MarkFailed(ctx, row.ID, errLog, attempts, next); err != nil {
			return fmt.Errorf("failed to mark row %d as failed: %w", row.ID, err)
		}

		if next != nil {
			l.Warn("Delivery failed, will retry", "attempts", attempts, "next_attempt_at", *next, "error", out.Err)
		} else {
			l.Error("Delivery failed permanently", "attempts", attempts, "retryable", out.Retryable, "error", out.Err)
		}
		return nil
	}

	return fmt.Errorf("row %d: outcome carries neither sent, blocked nor error", row.ID)
}
