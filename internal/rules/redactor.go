package rules

import "github.com/rmaia/crm-bridge/internal/models"

// RedactFields computes the subset of changed fields permitted to leave the
// system for a field_update decided by the given rule. A nil rule is the
// default-allow path (no rules configured): everything passes.
//
// An empty result is possible in selected mode and the caller must treat it
// as "no eligible fields", not as an empty-but-deliverable payload
func RedactFields(rule *models.OutboundRule, changed map[string]any) map[string]any {
	if rule == nil || rule.SyncFieldMode == models.FieldModeAll {
		out := make(map[string]any, len(changed))
		for k, v := range changed {
			out[k] = v
		}
		return out
	}

	listed := make(map[string]struct{}, len(rule.SyncFields))
	for _, f := range rule.SyncFields {
		listed[f] = struct{}{}
	}

	out := make(map[string]any)
	for k, v := range changed {
		_, inList := listed[k]
		switch rule.SyncFieldMode {
		case models.FieldModeSelected:
			if inList {
				out[k] = v
			}
		case models.FieldModeExclude:
			if !inList {
				out[k] = v
			}
		}
	}
	return out
}
