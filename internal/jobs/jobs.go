package jobs

import (
	"github.com/petrel-io/petrel/internal/webhooks"
)

// EventFanoutArgs carries a published event to the fan-out worker. The
// full event rides in the job row so publishing needs only one insert.
type EventFanoutArgs struct {
	Event webhooks.Event `json:"event"`
}

// Kind returns the job kind for River queue
func (EventFanoutArgs) Kind() string {
	return "event_fanout"
}

// DeliveryArgs identifies one delivery attempt. The delivery row holds
// the materialized request, so the job only needs the IDs.
type DeliveryArgs struct {
	DeliveryID string `json:"delivery_id"`
	EndpointID string `json:"endpoint_id"`
}

// Kind returns the job kind for River queue
func (DeliveryArgs) Kind() string {
	return "webhook_delivery"
}
