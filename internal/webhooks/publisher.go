package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/petrel-io/petrel/internal/logger"
)

// Enqueuer hands work to the durable job queue. Fan-out and delivery
// attempts both run as queue jobs so they survive process restarts.
type Enqueuer interface {
	EnqueueFanout(ctx context.Context, ev *Event) error
	EnqueueDelivery(ctx context.Context, deliveryID, endpointID string, runAt time.Time) error
}

// Publisher accepts application events and fans them out to eligible
// endpoints. Publish is fire-and-forget: it enqueues a durable fan-out
// job and returns immediately, so emitting an event never blocks on
// subscriber I/O.
type Publisher struct {
	endpoints  EndpointStore
	events     EventStore
	deliveries DeliveryStore
	activity   ActivityStore
	enqueuer   Enqueuer
	retention  time.Duration
	metrics    Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherMetrics attaches publish metrics.
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates an event publisher. Events older than retention
// are never delivered.
func NewPublisher(endpoints EndpointStore, events EventStore, deliveries DeliveryStore, activity ActivityStore, enqueuer Enqueuer, retention time.Duration, opts ...PublisherOption) *Publisher {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	p := &Publisher{
		endpoints:  endpoints,
		events:     events,
		deliveries: deliveries,
		activity:   activity,
		enqueuer:   enqueuer,
		retention:  retention,
		logger:     logger.NewLogger("webhook-publisher"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishInput describes one application event to publish.
type PublishInput struct {
	EventType     string         `json:"event_type"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	TriggeredBy   string         `json:"triggered_by,omitempty"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Publish validates the event and enqueues its fan-out job. The event
// row itself is written by the fan-out worker, so callers only wait on
// a single queue insert.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*Event, error) {
	if !slices.Contains(KnownEventTypes(), in.EventType) {
		return nil, newValidationError("event_type", "unknown event type %q", in.EventType)
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}

	now := p.now().UTC()
	ev := &Event{
		ID:            uuid.New().String(),
		EventType:     in.EventType,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		Payload:       in.Payload,
		TriggeredBy:   in.TriggeredBy,
		Source:        in.Source,
		CorrelationID: in.CorrelationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.retention),
	}

	if err := p.enqueuer.EnqueueFanout(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to enqueue fanout: %w", err)
	}
	if p.metrics != nil {
		p.metrics.CountEventPublished(ctx)
	}

	p.logger.Info("event published",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
	)
	return ev, nil
}

// FanOut resolves the eligible endpoints for an event, persists the
// event and one delivery per endpoint, and enqueues the first attempt
// for each. The signed request payload and headers are materialized
// here so retries replay the exact original request.
func (p *Publisher) FanOut(ctx context.Context, ev *Event) error {
	eligible, err := p.endpoints.ListEligibleEndpoints(ctx, ev.EventType)
	if err != nil {
		return fmt.Errorf("failed to list eligible endpoints: %w", err)
	}

	matched := make([]*Endpoint, 0, len(eligible))
	for _, ep := range eligible {
		if matchesResourceType(ep.ResourceType, ev.ResourceType) && matchesFilters(ep.Filters, ev.Payload) {
			matched = append(matched, ep)
		}
	}

	now := p.now().UTC()
	ev.TotalEndpoints = len(matched)
	ev.PendingCount = len(matched)
	if len(matched) == 0 {
		ev.ProcessedAt = &now
	}
	if err := p.events.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	if len(matched) == 0 {
		p.logger.Info("no eligible endpoints for event",
			"event_id", ev.ID,
			"event_type", ev.EventType,
		)
		p.logActivity(ctx, "info", "event had no eligible endpoints", "", ev)
		return nil
	}

	for _, ep := range matched {
		delivery, err := p.buildDelivery(ev, ep, now)
		if err != nil {
			p.logger.Error("failed to build delivery",
				"event_id", ev.ID, "endpoint_id", ep.ID, "error", err)
			continue
		}
		if err := p.deliveries.CreateDelivery(ctx, delivery); err != nil {
			p.logger.Error("failed to persist delivery",
				"event_id", ev.ID, "endpoint_id", ep.ID, "error", err)
			continue
		}
		if err := p.enqueuer.EnqueueDelivery(ctx, delivery.ID, ep.ID, now); err != nil {
			p.logger.Error("failed to enqueue delivery",
				"delivery_id", delivery.ID, "endpoint_id", ep.ID, "error", err)
		}
	}

	p.logger.Info("event fanned out",
		"event_id", ev.ID,
		"event_type", ev.EventType,
		"endpoints", len(matched),
	)
	return nil
}

// buildDelivery materializes the signed envelope for one endpoint. The
// timestamp inside the envelope is the one that was signed, so
// receivers can verify signatures long after the original send.
func (p *Publisher) buildDelivery(ev *Event, ep *Endpoint, now time.Time) (*Delivery, error) {
	envelope := map[string]any{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"timestamp":  now.Format(time.RFC3339),
		"webhook": map[string]any{
			"id":   ep.ID,
			"name": ep.Name,
		},
		"data": ev.Payload,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := map[string]string{
		"Content-Type":        "application/json",
		"X-Webhook-Signature": Sign(payload, ep.Secret),
		"X-Webhook-Timestamp": now.Format(time.RFC3339),
		"X-Webhook-ID":        ev.ID,
	}
	for k, v := range ep.Headers {
		headers[k] = v
	}

	return &Delivery{
		ID:          uuid.New().String(),
		EventID:     ev.ID,
		EndpointID:  ep.ID,
		URL:         ep.URL,
		Payload:     payload,
		Headers:     headers,
		Status:      StatusPending,
		MaxAttempts: ep.Retry.MaxAttempts,
		CreatedAt:   now,
	}, nil
}

func (p *Publisher) logActivity(ctx context.Context, level, message, endpointID string, ev *Event) {
	if p.activity == nil {
		return
	}
	entry := &ActivityEntry{
		Level:      level,
		Message:    message,
		Category:   "webhook_publisher",
		EndpointID: endpointID,
		Context: map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.EventType,
		},
	}
	if err := p.activity.LogActivity(ctx, entry); err != nil {
		p.logger.Warn("failed to write activity log", "error", err)
	}
}

// matchesResourceType applies an endpoint's resource-type restriction.
// An endpoint with no restriction receives events about any resource.
func matchesResourceType(restriction, resourceType string) bool {
	return restriction == "" || restriction == resourceType
}

// matchesFilters applies an endpoint's payload filters. Every filter
// key must be present in the payload with an equal stringified value;
// an endpoint with no filters matches everything.
func matchesFilters(filters map[string]string, payload map[string]any) bool {
	for key, want := range filters {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
