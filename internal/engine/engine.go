package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/internal/queue"
	"github.com/rmaia/crm-bridge/internal/rules"
	"github.com/rmaia/crm-bridge/pkg/metrics"
)

// RuleSource serves immutable rule snapshots per integration
type RuleSource interface {
	Snapshot(ctx context.Context, integrationID int64) (*rules.Snapshot, error)
}

// DeliveryGuard recognizes inbound re-deliveries. Acquire returns false when
// the delivery id was seen before
type DeliveryGuard interface {
	Acquire(ctx context.Context, deliveryID string) (bool, error)
	Release(ctx context.Context, deliveryID string) error
}

// RecordCreator is the slice of the transport client the inbound leg needs
type RecordCreator interface {
	CreateRecord(ctx context.Context, ev *models.InboundEvent) (int64, error)
}

// Engine is the policy facade: it evaluates events against the rule set and
// records outbound decisions as queue rows. Matching itself is pure; the only
// I/O on the evaluation path is the snapshot load and the queue insert
type Engine struct {
	rules  RuleSource
	queue  *queue.Controller
	guard  DeliveryGuard
	crm    RecordCreator
	logger *slog.Logger
}

func New(rs RuleSource, qc *queue.Controller, guard DeliveryGuard, crm RecordCreator, logger *slog.Logger) *Engine {
	return &Engine{
		rules:  rs,
		queue:  qc,
		guard:  guard,
		crm:    crm,
		logger: logger,
	}
}

// EvaluateOutbound runs the outbound matcher against the current snapshot.
// The decision is total; the error covers only snapshot loading
func (e *Engine) EvaluateOutbound(ctx context.Context, ev *models.ChangeEvent) (rules.Decision, error) {
	snap, err := e.rules.Snapshot(ctx, ev.IntegrationID)
	if err != nil {
		return rules.Decision{}, fmt.Errorf("rule snapshot unavailable: %w", err)
	}
	return snap.EvaluateOutbound(ev), nil
}

// EvaluateInbound reports whether an external creation event may materialize
// a CRM record
func (e *Engine) EvaluateInbound(ctx context.Context, ev *models.InboundEvent) (bool, error) {
	snap, err := e.rules.Snapshot(ctx, ev.IntegrationID)
	if err != nil {
		return false, fmt.Errorf("rule snapshot unavailable: %w", err)
	}
	return snap.EvaluateInbound(ev), nil
}

// HandleChange is the complete outbound path for one CRM change: evaluate,
// redact, enqueue. Every qualifying change produces exactly one queue row
func (e *Engine) HandleChange(ctx context.Context, ev *models.ChangeEvent) (int64, error) {
	l := e.logger.With("event_id", ev.EventID, "card_id", ev.CardID, "event_type", ev.EventType)

	snap, err := e.rules.Snapshot(ctx, ev.IntegrationID)
	if err != nil {
		return 0, fmt.Errorf("rule snapshot unavailable: %w", err)
	}

	decision := snap.EvaluateOutbound(ev)

	var payload json.RawMessage
	if decision.Allowed {
		if ev.EventType == models.EventFieldUpdate {
			permitted := rules.RedactFields(matchedRule(snap, decision.RuleID), ev.ChangedFields)
			if len(permitted) == 0 {
				// Selected-mode redaction ate every changed field. Recording a
				// blocked row keeps "why wasn't this synced" answerable
				decision = rules.Decision{RuleID: decision.RuleID, Reason: models.ReasonNoEligibleField}
			} else {
				payload, err = json.Marshal(permitted)
			}
		} else {
			payload, err = json.Marshal(ev.Snapshot)
		}
		if err != nil {
			return 0, fmt.Errorf("payload marshal failed: %w", err)
		}
	}

	metrics.Decisions.WithLabelValues("outbound", outcomeLabel(decision)).Inc()

	id, err := e.queue.Enqueue(ctx, ev, decision, payload)
	if err != nil {
		return 0, err
	}

	switch {
	case decision.Allowed && decision.Shadow:
		l.Info("Change evaluated in shadow mode", "queue_id", id, "rule_id", *decision.RuleID)
	case decision.Allowed:
		l.Debug("Change queued for delivery", "queue_id", id)
	default:
		l.Info("Change blocked by policy", "queue_id", id, "reason", decision.Reason)
	}
	return id, nil
}

// HandleInbound is the complete inbound path for one external creation event:
// match, dedupe, materialize. A duplicate delivery is an accepted no-op
func (e *Engine) HandleInbound(ctx context.Context, ev *models.InboundEvent) (bool, error) {
	l := e.logger.With("delivery_id", ev.DeliveryID, "integration_id", ev.IntegrationID)

	accepted, err := e.EvaluateInbound(ctx, ev)
	if err != nil {
		return false, err
	}
	if !accepted {
		metrics.Decisions.WithLabelValues("inbound", "reject").Inc()
		l.Info("Inbound event rejected by rules",
			"external_pipeline_id", ev.ExternalPipelineID,
			"external_stage_id", ev.ExternalStageID,
		)
		return false, nil
	}

	fresh, err := e.guard.Acquire(ctx, ev.DeliveryID)
	if err != nil {
		return false, err
	}
	if !fresh {
		metrics.Decisions.WithLabelValues("inbound", "accept").Inc()
		l.Info("Inbound event already processed, skipping")
		return true, nil
	}

	cardID, err := e.crm.CreateRecord(ctx, ev)
	if err != nil {
		// Free the key so the platform's next re-delivery can retry
		if relErr := e.guard.Release(ctx, ev.DeliveryID); relErr != nil {
			l.Error("Failed to release idempotency key after create failure", "error", relErr)
		}
		return false, fmt.Errorf("crm record creation failed: %w", err)
	}

	metrics.Decisions.WithLabelValues("inbound", "accept").Inc()
	l.Info("Inbound event materialized", "crm_card_id", cardID)
	return true, nil
}

func matchedRule(snap *rules.Snapshot, ruleID *int64) *models.OutboundRule {
	if ruleID == nil {
		return nil
	}
	for i := range snap.Outbound {
		if snap.Outbound[i].ID == *ruleID {
			return &snap.Outbound[i]
		}
	}
	return nil
}

func outcomeLabel(d rules.Decision) string {
	switch {
	case d.Allowed && d.Shadow:
		return "shadow"
	case d.Allowed:
		return "allow"
	default:
		return "block"
	}
}
