package webhooks

import (
	"context"
	"time"
)

// EndpointStore persists endpoint configuration and per-endpoint
// delivery counters.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	// GetEndpointForUser returns ErrNotFound both when the endpoint is
	// missing and when it belongs to someone else.
	GetEndpointForUser(ctx context.Context, id, userID string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, userID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	SetEndpointActive(ctx context.Context, id string, active bool) error
	ReplaceSubscriptions(ctx context.Context, endpointID string, eventTypes []string) error
	// ListEligibleEndpoints returns active endpoints subscribed to
	// eventType. Payload filter matching happens in the publisher.
	ListEligibleEndpoints(ctx context.Context, eventType string) ([]*Endpoint, error)
	// RecordEndpointOutcome bumps delivery counters and the rolling
	// average response time after a terminal or retried attempt.
	RecordEndpointOutcome(ctx context.Context, id string, success bool, responseTimeMs int64, at time.Time) error
}

// EventStore persists published events and their aggregate counters.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
}

// DeliveryStore persists delivery records and drives their state
// machine transitions.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	// ClaimDelivery atomically moves a pending/retrying delivery to
	// processing and increments its attempt number. The bool result is
	// false when the delivery was already claimed or finished, which
	// makes a stale retry firing a no-op.
	ClaimDelivery(ctx context.Context, id string, at time.Time) (*Delivery, bool, error)
	// FinalizeDelivery writes a terminal status plus response fields and
	// folds the outcome into the event's aggregate counters, marking the
	// event processed when no deliveries remain pending.
	FinalizeDelivery(ctx context.Context, d *Delivery) error
	// ScheduleRetry persists a retrying status with the delivery's
	// attempt number and next_retry_at.
	ScheduleRetry(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
}

// AnalyticsStore aggregates delivery outcomes for dashboards.
type AnalyticsStore interface {
	AggregateDeliveries(ctx context.Context, endpointID, period string, from, to time.Time) ([]AnalyticsBucket, error)
	SummarizeDeliveries(ctx context.Context, endpointID string, from, to time.Time) (*AnalyticsSummary, error)
}

// ActivityStore appends to the activity log.
type ActivityStore interface {
	LogActivity(ctx context.Context, entry *ActivityEntry) error
}
