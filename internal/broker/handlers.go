package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rmaia/crm-bridge/internal/models"
)

// ChangeProcessor is the engine-side contract for CRM change events
type ChangeProcessor interface {
	HandleChange(ctx context.Context, ev *models.ChangeEvent) (int64, error)
}

// InboundProcessor is the engine-side contract for inbound webhook events
type InboundProcessor interface {
	HandleInbound(ctx context.Context, ev *models.InboundEvent) (bool, error)
}

// ChangeHandler decodes CRM change events and runs them through the engine
func ChangeHandler(p ChangeProcessor) Handler {
	return func(ctx context.Context, body []byte) error {
		var ev models.ChangeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ev.EventType.Valid() {
			return fmt.Errorf("%w: unknown event_type %q", ErrMalformed, ev.EventType)
		}

		_, err := p.HandleChange(ctx, &ev)
		return err
	}
}

// InboundHandler decodes external creation events and runs them through the
// engine. Only creation events arrive on this queue; the webhook receiver
// filters updates and moves before publishing
func InboundHandler(p InboundProcessor) Handler {
	return func(ctx context.Context, body []byte) error {
		var ev models.InboundEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.DeliveryID == "" {
			return fmt.Errorf("%w: missing delivery_id", ErrMalformed)
		}

		_, err := p.HandleInbound(ctx, &ev)
		return err
	}
}
