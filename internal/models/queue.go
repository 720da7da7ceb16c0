package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueStatus is the closed set of delivery states for an outbound queue row
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
	StatusBlocked    QueueStatus = "blocked"
	StatusShadow     QueueStatus = "shadow"
)

func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusBlocked, StatusShadow:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition ever happens.
// failed is only conditionally terminal: a row below the attempt ceiling with
// a next_attempt_at is still reclaimable, so failed is resolved by the claim
// query, not here
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusBlocked, StatusShadow:
		return true
	}
	return false
}

// QueueEvent is one queued outbound event. Rows are created once per
// qualifying CRM change and only ever transitioned, never deleted; retries
// keep the same row identity so history and idempotency are preserved
type QueueEvent struct {
	ID               int64           `db:"id"`
	IntegrationID    int64           `db:"integration_id"`
	CardID           int64           `db:"card_id"`
	ExternalID       *string         `db:"external_id"`
	EventType        RuleEventType   `db:"event_type"`
	MatchedTriggerID *int64          `db:"matched_trigger_id"`
	Status           QueueStatus     `db:"status"`
	Payload          json.RawMessage `db:"payload"`
	ProcessingLog    string          `db:"processing_log"`
	Attempts         int             `db:"attempts"`
	NextAttemptAt    *time.Time      `db:"next_attempt_at"`
	ClaimedBy        string          `db:"claimed_by"`
	ClaimedAt        *time.Time      `db:"claimed_at"`
	CreatedAt        time.Time       `db:"created_at"`
	ProcessedAt      *time.Time      `db:"processed_at"`
}

// Blocked reason codes. Every blocked row must answer "why wasn't this
// synced" without anyone reading code
const (
	ReasonNoRuleMatched   = "no_rule_matched"
	ReasonNoEligibleField = "no_eligible_fields"
)

// BlockedReason returns the reason code for an event suppressed by an
// explicit block rule
func BlockedReason(ruleID int64) string {
	return fmt.Sprintf("blocked_by_rule:%d", ruleID)
}

type blockedPayload struct {
	BlockedReason string `json:"blocked_reason"`
}

// BlockedPayloadJSON builds the payload marker every blocked row carries
func BlockedPayloadJSON(reason string) json.RawMessage {
	b, _ := json.Marshal(blockedPayload{BlockedReason: reason})
	return b
}
