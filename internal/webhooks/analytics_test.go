package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCompletedDelivery(t *testing.T, store *fakeStore, endpointID string, status DeliveryStatus, responseMs int64, completedAt time.Time) {
	t.Helper()
	d := &Delivery{
		EndpointID:     endpointID,
		EventID:        "ev-x",
		URL:            "https://example.com",
		Payload:        []byte(`{}`),
		Headers:        map[string]string{},
		Status:         status,
		AttemptNumber:  1,
		MaxAttempts:    3,
		ResponseTimeMs: responseMs,
		CompletedAt:    &completedAt,
	}
	require.NoError(t, store.CreateDelivery(context.Background(), d))
}

func TestAnalyticsReport(t *testing.T) {
	store := newFakeStore()
	svc := NewAnalytics(store, store, store)
	ctx := context.Background()

	ep := seedEndpoint(t, store, "user-1", []string{EventPitchCreated}, nil)
	now := time.Now().UTC()
	seedCompletedDelivery(t, store, ep.ID, StatusSucceeded, 100, now.Add(-2*time.Hour))
	seedCompletedDelivery(t, store, ep.ID, StatusSucceeded, 300, now.Add(-time.Hour))
	seedCompletedDelivery(t, store, ep.ID, StatusFailed, 0, now.Add(-time.Hour))
	// Outside the requested range.
	seedCompletedDelivery(t, store, ep.ID, StatusSucceeded, 50, now.Add(-48*time.Hour))

	report, err := svc.Report(ctx, ep.ID, "user-1", "hour", now.Add(-24*time.Hour), now)
	require.NoError(t, err)

	assert.EqualValues(t, 3, report.Summary.Total)
	assert.EqualValues(t, 2, report.Summary.Succeeded)
	assert.EqualValues(t, 1, report.Summary.Failed)
	assert.InDelta(t, 2.0/3.0, report.Summary.SuccessRate, 1e-9)
	assert.InDelta(t, 200, report.Summary.AvgResponseMs, 1e-9)
	assert.NotEmpty(t, report.Buckets)
}

func TestAnalyticsReportOwnership(t *testing.T) {
	store := newFakeStore()
	svc := NewAnalytics(store, store, store)
	ctx := context.Background()

	ep := seedEndpoint(t, store, "user-1", []string{EventPitchCreated}, nil)

	_, err := svc.Report(ctx, ep.ID, "user-2", "hour", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Report(ctx, ep.ID, "user-1", "fortnight", time.Time{}, time.Time{})
	assert.True(t, IsValidation(err))
}

func TestAnalyticsDeliveriesPagination(t *testing.T) {
	store := newFakeStore()
	svc := NewAnalytics(store, store, store)
	ctx := context.Background()

	ep := seedEndpoint(t, store, "user-1", []string{EventPitchCreated}, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		seedCompletedDelivery(t, store, ep.ID, StatusSucceeded, 100, now)
	}

	page, err := svc.Deliveries(ctx, ep.ID, "user-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Deliveries, 2)

	page, err = svc.Deliveries(ctx, ep.ID, "user-1", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page.Deliveries, 1)

	_, err = svc.Deliveries(ctx, ep.ID, "user-2", 10, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
