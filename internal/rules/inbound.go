package rules

import "github.com/rmaia/crm-bridge/internal/models"

// EvaluateInbound decides whether an external creation event may materialize
// a CRM record. Only creation events are ever handed to this matcher; the
// caller filters updates and moves upstream.
//
// No inbound rules configured means legacy mode: every creation event is
// accepted. With rules present, the event must equal at least one rule's
// exact (pipeline, stage) pair. Pairs never overlap partially, so no
// ordering is needed
func (s *Snapshot) EvaluateInbound(ev *models.InboundEvent) bool {
	if len(s.Inbound) == 0 {
		return true
	}

	for i := range s.Inbound {
		r := &s.Inbound[i]
		if r.ExternalPipelineID == ev.ExternalPipelineID && r.ExternalStageID == ev.ExternalStageID {
			return true
		}
	}
	return false
}
