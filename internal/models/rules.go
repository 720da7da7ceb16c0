package models

import "fmt"

// RuleEventType enumerates the CRM changes a sync rule can react to
type RuleEventType string

const (
	EventStageChange RuleEventType = "stage_change"
	EventFieldUpdate RuleEventType = "field_update"
	EventWon         RuleEventType = "won"
	EventLost        RuleEventType = "lost"
)

func (t RuleEventType) Valid() bool {
	switch t {
	case EventStageChange, EventFieldUpdate, EventWon, EventLost:
		return true
	}
	return false
}

// SyncFieldMode controls which changed fields of a field_update leave the system
type SyncFieldMode string

const (
	FieldModeAll      SyncFieldMode = "all"
	FieldModeSelected SyncFieldMode = "selected"
	FieldModeExclude  SyncFieldMode = "exclude"
)

// ActionMode is the outcome a matched outbound rule imposes
type ActionMode string

const (
	ActionAllow ActionMode = "allow"
	ActionBlock ActionMode = "block"
)

// InboundActionType is what an inbound rule does on match.
// Only create_only is meaningful today; the column exists for forward compatibility
type InboundActionType string

const ActionCreateOnly InboundActionType = "create_only"

// OutboundRule decides whether a CRM-originated event syncs outward.
// Empty condition sets are wildcards: they match any value of that dimension
type OutboundRule struct {
	ID                int64           `db:"id"`
	IntegrationID     int64           `db:"integration_id"`
	Name              string          `db:"name"`
	Priority          int             `db:"priority"`
	IsActive          bool            `db:"is_active"`
	IsShadow          bool            `db:"is_shadow"`
	SourcePipelineIDs []string        `db:"source_pipeline_ids"`
	SourceStageIDs    []string        `db:"source_stage_ids"`
	SourceOwnerIDs    []string        `db:"source_owner_ids"`
	SourceStatuses    []string        `db:"source_status"`
	EventTypes        []RuleEventType `db:"event_types"`
	SyncFieldMode     SyncFieldMode   `db:"sync_field_mode"`
	SyncFields        []string        `db:"sync_fields"`
	ActionMode        ActionMode      `db:"action_mode"`
}

// Validate rejects malformed rule rows at load time. A bad rule is a
// configuration error and must never be silently defaulted
func (r *OutboundRule) Validate() error {
	switch r.ActionMode {
	case ActionAllow, ActionBlock:
	default:
		return fmt.Errorf("rule %d: unknown action_mode %q", r.ID, r.ActionMode)
	}

	switch r.SyncFieldMode {
	case FieldModeAll, FieldModeSelected, FieldModeExclude:
	default:
		return fmt.Errorf("rule %d: unknown sync_field_mode %q", r.ID, r.SyncFieldMode)
	}

	if len(r.EventTypes) == 0 {
		return fmt.Errorf("rule %d: event_types must not be empty", r.ID)
	}
	for _, et := range r.EventTypes {
		if !et.Valid() {
			return fmt.Errorf("rule %d: unknown event_type %q", r.ID, et)
		}
	}

	return nil
}

// HandlesEvent reports whether the rule is a candidate for the given event type
func (r *OutboundRule) HandlesEvent(t RuleEventType) bool {
	for _, et := range r.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// InboundRule decides whether an external creation event materializes a CRM
// record. Matching is exact pipeline+stage pair equality, never set membership
type InboundRule struct {
	ID                 int64             `db:"id"`
	IntegrationID      int64             `db:"integration_id"`
	ExternalPipelineID string            `db:"external_pipeline_id"`
	ExternalStageID    string            `db:"external_stage_id"`
	ActionType         InboundActionType `db:"action_type"`
	EntityTypes        []string          `db:"entity_types"`
	IsActive           bool              `db:"is_active"`
}

func (r *InboundRule) Validate() error {
	if r.ActionType != ActionCreateOnly {
		return fmt.Errorf("inbound rule %d: unknown action_type %q", r.ID, r.ActionType)
	}
	return nil
}
