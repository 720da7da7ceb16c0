package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmaia/crm-bridge/internal/models"
)

// Client performs the actual calls across the system boundary: outbound
// event delivery to the marketing platform, and record creation into the CRM
// for accepted inbound events
type Client interface {
	// DeliverEvent transmits a claimed queue row and returns the platform's
	// id for the delivered record
	DeliverEvent(ctx context.Context, row *models.QueueEvent) (externalID string, err error)
	// CreateRecord materializes an accepted inbound event as a CRM record
	CreateRecord(ctx context.Context, ev *models.InboundEvent) (cardID int64, err error)
}

// DeliveryError classifies a failed platform call. Retryable errors (network,
// timeout, 5xx-equivalent) keep the row recoverable; terminal errors
// (validation rejected by the platform) fail it permanently regardless of the
// attempt count
type DeliveryError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRetryable classifies an error from a Client call. Anything that is not an
// explicit terminal DeliveryError is treated as retryable: timeouts,
// cancellations and transport-level failures are all transient by assumption
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
