package models

import "time"

// ChangeEvent is a CRM-originated change, the candidate for outbound sync.
// The event source guarantees EventID is unique per logical change
type ChangeEvent struct {
	EventID       string         `json:"event_id"`
	IntegrationID int64          `json:"integration_id"`
	CardID        int64          `json:"card_id"`
	PipelineID    string         `json:"pipeline_id"`
	StageID       string         `json:"stage_id"`
	OwnerID       string         `json:"owner_id"`
	Status        string         `json:"status"`
	EventType     RuleEventType  `json:"event_type"`
	ChangedFields map[string]any `json:"changed_fields,omitempty"`
	Snapshot      map[string]any `json:"snapshot,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// InboundEvent is an external creation event delivered by the webhook
// receiver. DeliveryID is the platform's delivery identifier and doubles as
// the idempotency key for re-deliveries
type InboundEvent struct {
	DeliveryID         string         `json:"delivery_id"`
	IntegrationID      int64          `json:"integration_id"`
	ExternalPipelineID string         `json:"external_pipeline_id"`
	ExternalStageID    string         `json:"external_stage_id"`
	Entity             map[string]any `json:"entity"`
	ReceivedAt         time.Time      `json:"received_at"`
}
