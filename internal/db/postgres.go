package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rmaia/crm-bridge/internal/models"
	"github.com/rmaia/crm-bridge/internal/queue"
)

// PostgresRepository backs both the rule store and the queue controller.
// Rules are read-only from this side; queue rows are inserted once and then
// only transitioned
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	return &PostgresRepository{pool: p, logger: logger}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// ---- rule storage ----

func (r *PostgresRepository) ListOutboundRules(ctx context.Context, integrationID int64) ([]models.OutboundRule, error) {
	query := `
        SELECT id, integration_id, name, priority, is_active, is_shadow,
               COALESCE(source_pipeline_ids, '{}'), COALESCE(source_stage_ids, '{}'),
               COALESCE(source_owner_ids, '{}'), COALESCE(source_status, '{}'),
               event_types, sync_field_mode, COALESCE(sync_fields, '{}'), action_mode
        FROM sync_outbound_rules
        WHERE integration_id = $1 AND is_active
        ORDER BY priority ASC, id ASC
    `

	rows, err := r.pool.Query(ctx, query, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbound rules: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundRule
	for rows.Next() {
		var rule models.OutboundRule
		var eventTypes []string
		err := rows.Scan(
			&rule.ID,
			&rule.IntegrationID,
			&rule.Name,
			&rule.Priority,
			&rule.IsActive,
			&rule.IsShadow,
			&rule.SourcePipelineIDs,
			&rule.SourceStageIDs,
			&rule.SourceOwnerIDs,
			&rule.SourceStatuses,
			&eventTypes,
			&rule.SyncFieldMode,
			&rule.SyncFields,
			&rule.ActionMode,
		)
		if err != nil {
			return nil, fmt.Errorf("outbound rule scan error: %w", err)
		}
		rule.EventTypes = make([]models.RuleEventType, len(eventTypes))
		for i, et := range eventTypes {
			rule.EventTypes[i] = models.RuleEventType(et)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListInboundRules(ctx context.Context, integrationID int64) ([]models.InboundRule, error) {
	query := `
        SELECT id, integration_id, external_pipeline_id, external_stage_id,
               action_type, COALESCE(entity_types, '{}'), is_active
        FROM sync_inbound_rules
        WHERE integration_id = $1 AND is_active
        ORDER BY id ASC
    `

	rows, err := r.pool.Query(ctx, query, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inbound rules: %w", err)
	}
	defer rows.Close()

	var out []models.InboundRule
	for rows.Next() {
		var rule models.InboundRule
		err := rows.Scan(
			&rule.ID,
			&rule.IntegrationID,
			&rule.ExternalPipelineID,
			&rule.ExternalStageID,
			&rule.ActionType,
			&rule.EntityTypes,
			&rule.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("inbound rule scan error: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// ---- queue storage ----

const queueColumns = `id, integration_id, card_id, external_id, event_type, matched_trigger_id,
        status, payload, processing_log, attempts, next_attempt_at, claimed_by, claimed_at,
        created_at, processed_at`

func (r *PostgresRepository) Insert(ctx context.Context, ev *models.QueueEvent) (int64, error) {
	query := `
        INSERT INTO sync_queue_events
            (integration_id, card_id, event_type, matched_trigger_id, status,
             payload, processing_log, attempts, created_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id
    `

	var id int64
	err := r.pool.QueryRow(ctx, query,
		ev.IntegrationID,
		ev.CardID,
		ev.EventType,
		ev.MatchedTriggerID,
		ev.Status,
		ev.Payload,
		ev.ProcessingLog,
		ev.Attempts,
		ev.CreatedAt,
		ev.ProcessedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue event: %w", err)
	}
	return id, nil
}

// ClaimNext is the exclusive claim: SKIP LOCKED keeps parallel workers off
// each other's rows, and the status update inside the same transaction makes
// the pending|failed -> processing transition atomic
func (r *PostgresRepository) ClaimNext(ctx context.Context, workerID string, maxAttempts int) (*models.QueueEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	selectQuery := `
        SELECT ` + queueColumns + `
        FROM sync_queue_events
        WHERE status = 'pending'
           OR (status = 'failed' AND attempts < $1
               AND next_attempt_at IS NOT NULL AND next_attempt_at <= NOW())
        ORDER BY created_at ASC
        LIMIT 1
        FOR UPDATE SKIP LOCKED
    `

	row, err := scanQueueEvent(tx.QueryRow(ctx, selectQuery, maxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim select failed: %w", err)
	}

	updateQuery := `
        UPDATE sync_queue_events
        SET status = 'processing', claimed_by = $2, claimed_at = NOW()
        WHERE id = $1
    `
	if _, err := tx.Exec(ctx, updateQuery, row.ID, workerID); err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim commit failed: %w", err)
	}

	now := time.Now()
	row.Status = models.StatusProcessing
	row.ClaimedBy = workerID
	row.ClaimedAt = &now
	return row, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id int64, externalID string) error {
	// COALESCE keeps the first assignment: resolving sent twice never
	// reassigns external_id or moves processed_at
	query := `
        UPDATE sync_queue_events
        SET status = 'sent',
            external_id = COALESCE(external_id, $2),
            processed_at = COALESCE(processed_at, NOW())
        WHERE id = $1 AND status <> 'sent'
    `
	_, err := r.pool.Exec(ctx, query, id, externalID)
	return err
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errLog string, attempts int, nextAttempt *time.Time) error {
	query := `
        UPDATE sync_queue_events
        SET status = 'failed',
            attempts = $2,
            processing_log = $3,
            next_attempt_at = $4,
            processed_at = NOW()
        WHERE id = $1
    `
	_, err := r.pool.Exec(ctx, query, id, attempts, errLog, nextAttempt)
	return err
}

func (r *PostgresRepository) MarkBlocked(ctx context.Context, id int64, reason string) error {
	query := `
        UPDATE sync_queue_events
        SET status = 'blocked',
            processing_log = $2,
            payload = $3,
            processed_at = NOW()
        WHERE id = $1
    `
	_, err := r.pool.Exec(ctx, query, id, reason, models.BlockedPayloadJSON(reason))
	return err
}

func (r *PostgresRepository) FindSentExternalID(ctx context.Context, integrationID, cardID int64, eventType models.RuleEventType, triggerID *int64) (*string, error) {
	query := `
        SELECT external_id
        FROM sync_queue_events
        WHERE integration_id = $1 AND card_id = $2 AND event_type = $3
          AND matched_trigger_id IS NOT DISTINCT FROM $4
          AND status = 'sent' AND external_id IS NOT NULL
        ORDER BY processed_at DESC
        LIMIT 1
    `

	var externalID string
	err := r.pool.QueryRow(ctx, query, integrationID, cardID, eventType, triggerID).Scan(&externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return &externalID, nil
}

// ResetStaleProcessing rescues rows whose worker died mid-delivery: anything
// stuck in processing past the age limit goes back to pending for re-claim
func (r *PostgresRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
        UPDATE sync_queue_events
        SET status = 'pending', claimed_at = NULL
        WHERE status = 'processing' AND claimed_at < NOW() - $1::interval
    `
	tag, err := r.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("stale reset failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- stats projection ----

func (r *PostgresRepository) CountByTriggerStatus(ctx context.Context, integrationID int64) (map[queue.StatKey]int, error) {
	query := `
        SELECT matched_trigger_id, status, COUNT(*)
        FROM sync_queue_events
        WHERE integration_id = $1
        GROUP BY matched_trigger_id, status
    `

	rows, err := r.pool.Query(ctx, query, integrationID)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[queue.StatKey]int)
	for rows.Next() {
		var trigger *int64
		var status models.QueueStatus
		var count int
		if err := rows.Scan(&trigger, &status, &count); err != nil {
			return nil, fmt.Errorf("stats scan error: %w", err)
		}
		key := queue.StatKey{Status: status}
		if trigger != nil {
			key.TriggerID = *trigger
			key.HasTrigger = true
		}
		out[key] = count
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountAllByTriggerStatus(ctx context.Context) (map[int64]map[queue.StatKey]int, error) {
	query := `
        SELECT integration_id, matched_trigger_id, status, COUNT(*)
        FROM sync_queue_events
        GROUP BY integration_id, matched_trigger_id, status
    `

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]map[queue.StatKey]int)
	for rows.Next() {
		var integrationID int64
		var trigger *int64
		var status models.QueueStatus
		var count int
		if err := rows.Scan(&integrationID, &trigger, &status, &count); err != nil {
			return nil, fmt.Errorf("stats scan error: %w", err)
		}
		key := queue.StatKey{Status: status}
		if trigger != nil {
			key.TriggerID = *trigger
			key.HasTrigger = true
		}
		if out[integrationID] == nil {
			out[integrationID] = make(map[queue.StatKey]int)
		}
		out[integrationID][key] = count
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountBacklog(ctx context.Context, maxAttempts int) (int64, error) {
	query := `
        SELECT COUNT(*)
        FROM sync_queue_events
        WHERE status = 'pending'
           OR (status = 'failed' AND attempts < $1
               AND next_attempt_at IS NOT NULL AND next_attempt_at <= NOW())
    `

	var n int64
	if err := r.pool.QueryRow(ctx, query, maxAttempts).Scan(&n); err != nil {
		return 0, fmt.Errorf("backlog count failed: %w", err)
	}
	return n, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanQueueEvent(row pgxRow) (*models.QueueEvent, error) {
	var ev models.QueueEvent
	err := row.Scan(
		&ev.ID,
		&ev.IntegrationID,
		&ev.CardID,
		&ev.ExternalID,
		&ev.EventType,
		&ev.MatchedTriggerID,
		&ev.Status,
		&ev.Payload,
		&ev.ProcessingLog,
		&ev.Attempts,
		&ev.NextAttemptAt,
		&ev.ClaimedBy,
		&ev.ClaimedAt,
		&ev.CreatedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
