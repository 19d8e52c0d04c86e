package webhooks

import (
	"context"
	"time"
)

// Analytics answers per-endpoint delivery questions for dashboards.
// Every query is ownership-checked; asking about someone else's
// endpoint looks identical to asking about a nonexistent one.
type Analytics struct {
	endpoints  EndpointStore
	deliveries DeliveryStore
	rollups    AnalyticsStore
}

// NewAnalytics creates the analytics query service.
func NewAnalytics(endpoints EndpointStore, deliveries DeliveryStore, rollups AnalyticsStore) *Analytics {
	return &Analytics{
		endpoints:  endpoints,
		deliveries: deliveries,
		rollups:    rollups,
	}
}

// AnalyticsReport is the full per-endpoint rollup: a time series of
// buckets plus whole-range totals.
type AnalyticsReport struct {
	EndpointID string            `json:"endpoint_id"`
	Period     string            `json:"period"`
	From       time.Time         `json:"from"`
	To         time.Time         `json:"to"`
	Summary    AnalyticsSummary  `json:"summary"`
	Buckets    []AnalyticsBucket `json:"buckets"`
}

// Report aggregates delivery outcomes for one endpoint, bucketed by
// period ("hour" or "day").
func (a *Analytics) Report(ctx context.Context, endpointID, userID, period string, from, to time.Time) (*AnalyticsReport, error) {
	if _, err := a.endpoints.GetEndpointForUser(ctx, endpointID, userID); err != nil {
		return nil, err
	}
	switch period {
	case "hour", "day":
	case "":
		period = "hour"
	default:
		return nil, newValidationError("period", "period must be hour or day")
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, newValidationError("from", "from must precede to")
	}

	summary, err := a.rollups.SummarizeDeliveries(ctx, endpointID, from, to)
	if err != nil {
		return nil, err
	}
	buckets, err := a.rollups.AggregateDeliveries(ctx, endpointID, period, from, to)
	if err != nil {
		return nil, err
	}

	return &AnalyticsReport{
		EndpointID: endpointID,
		Period:     period,
		From:       from,
		To:         to,
		Summary:    *summary,
		Buckets:    buckets,
	}, nil
}

// DeliveryPage is one page of delivery history.
type DeliveryPage struct {
	Deliveries []*Delivery `json:"deliveries"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

// Deliveries lists an endpoint's delivery history, newest first.
func (a *Analytics) Deliveries(ctx context.Context, endpointID, userID string, limit, offset int) (*DeliveryPage, error) {
	if _, err := a.endpoints.GetEndpointForUser(ctx, endpointID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	deliveries, total, err := a.deliveries.ListDeliveries(ctx, endpointID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &DeliveryPage{
		Deliveries: deliveries,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}
