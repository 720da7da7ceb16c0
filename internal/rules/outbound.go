package rules

import (
	"github.com/rmaia/crm-bridge/internal/models"
)

// Decision is the total outcome of an outbound evaluation. Matching never
// fails: every event gets exactly one Decision
type Decision struct {
	Allowed bool
	Shadow  bool   // allowed on paper, suppressed from transmission
	RuleID  *int64 // rule that decided the outcome; nil on a default path
	Reason  string // reason code when not allowed
}

// predicate is one condition dimension: either a wildcard or a membership
// test against the rule's value set
type predicate struct {
	values map[string]struct{}
}

func oneOf(values []string) predicate {
	if len(values) == 0 {
		return predicate{} // wildcard
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return predicate{values: set}
}

func (p predicate) matches(v string) bool {
	if p.values == nil {
		return true
	}
	_, ok := p.values[v]
	return ok
}

// ruleMatches composes the condition dimensions with logical AND.
// OR within a dimension is the set membership itself
func ruleMatches(r *models.OutboundRule, ev *models.ChangeEvent) bool {
	return oneOf(r.SourcePipelineIDs).matches(ev.PipelineID) &&
		oneOf(r.SourceStageIDs).matches(ev.StageID) &&
		oneOf(r.SourceOwnerIDs).matches(ev.OwnerID) &&
		oneOf(r.SourceStatuses).matches(ev.Status)
}

// EvaluateOutbound runs the priority scan: first matching rule wins.
//
// The empty-rule-set asymmetry is deliberate and load-bearing: zero rules
// configured means absence of configuration, which is permissive (legacy
// mode); one or more rules with no match means configured-but-unmatched,
// which blocks. Do not "simplify" this
func (s *Snapshot) EvaluateOutbound(ev *models.ChangeEvent) Decision {
	if len(s.Outbound) == 0 {
		return Decision{Allowed: true}
	}

	for i := range s.Outbound {
		r := &s.Outbound[i]
		if !r.HandlesEvent(ev.EventType) {
			continue
		}
		if !ruleMatches(r, ev) {
			continue
		}

		id := r.ID
		if r.ActionMode == models.ActionBlock {
			return Decision{RuleID: &id, Reason: models.BlockedReason(r.ID)}
		}
		return Decision{Allowed: true, Shadow: r.IsShadow, RuleID: &id}
	}

	return Decision{Reason: models.ReasonNoRuleMatched}
}
