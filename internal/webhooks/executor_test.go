package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-io/petrel/internal/breaker"
	"github.com/petrel-io/petrel/internal/ratelimit"
)

type executorFixture struct {
	store    *fakeStore
	enq      *fakeEnqueuer
	breaker  *breaker.Breaker
	metrics  *fakeMetrics
	executor *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	store := newFakeStore()
	enq := &fakeEnqueuer{}
	metrics := newFakeMetrics()
	cb := breaker.New(breaker.NewMemoryStore(), breaker.DefaultSettings())
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	executor := NewExecutor(store, store, store, store, cb, limiter, enq, WithMetrics(metrics))
	return &executorFixture{store: store, enq: enq, breaker: cb, metrics: metrics, executor: executor}
}

func (f *executorFixture) seedDelivery(t *testing.T, ep *Endpoint, mutate func(*Event, *Delivery)) *Delivery {
	t.Helper()
	ctx := context.Background()

	ev := &Event{
		EventType: EventPitchCreated,
		Payload:   map[string]any{"pitch_id": "p-1"},
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	payload := []byte(`{"event_id":"x","data":{"pitch_id":"p-1"}}`)
	d := &Delivery{
		EndpointID: ep.ID,
		URL:        ep.URL,
		Payload:    payload,
		Headers: map[string]string{
			"Content-Type":        "application/json",
			"X-Webhook-Signature": Sign(payload, ep.Secret),
		},
		Status:      StatusPending,
		MaxAttempts: ep.Retry.MaxAttempts,
	}
	if mutate != nil {
		mutate(ev, d)
	}
	ev.TotalEndpoints = 1
	ev.PendingCount = 1
	require.NoError(t, f.store.CreateEvent(ctx, ev))
	d.EventID = ev.ID
	require.NoError(t, f.store.CreateDelivery(ctx, d))
	return d
}

func TestAttemptDeliversSuccessfully(t *testing.T) {
	var gotSignature, gotUserAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature.Store(r.Header.Get("X-Webhook-Signature"))
		gotUserAgent.Store(r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
	})
	d := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.AttemptNumber)
	assert.Equal(t, http.StatusOK, got.ResponseStatus)
	require.NotNil(t, got.CompletedAt)

	assert.Equal(t, "petrel/1.0", gotUserAgent.Load())
	assert.NotEmpty(t, gotSignature.Load())

	ev, err := f.store.GetEvent(ctx, d.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.SuccessCount)
	assert.Equal(t, 0, ev.PendingCount)
	require.NotNil(t, ev.ProcessedAt)

	updated, err := f.store.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.SuccessfulDeliveries)
	require.NotNil(t, updated.AvgResponseMs)
}

func TestAttemptRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
	})
	d := f.seedDelivery(t, ep, nil)

	// First attempt: 500, scheduled for retry.
	require.NoError(t, f.executor.Attempt(ctx, d.ID))
	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 1, got.AttemptNumber)
	assert.Equal(t, ErrorClassHTTP5xx, got.ErrorClass)
	require.NotNil(t, got.NextRetryAt)
	require.Len(t, f.enq.deliveries, 1)

	// Second attempt: 500 again.
	require.NoError(t, f.executor.Attempt(ctx, d.ID))
	got, err = f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	assert.Equal(t, 2, got.AttemptNumber)

	// Third attempt: 200 on the last allowed attempt.
	require.NoError(t, f.executor.Attempt(ctx, d.ID))
	got, err = f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 3, got.AttemptNumber)
}

func TestAttemptExhaustsBudgetAndFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
		e.Retry.MaxAttempts = 2
	})
	d := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.executor.Attempt(ctx, d.ID))
	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptNumber)
	assert.Equal(t, ErrorClassHTTP5xx, got.ErrorClass)
	assert.Nil(t, got.NextRetryAt)

	ev, err := f.store.GetEvent(ctx, d.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.FailedCount)

	// Only the first failure enqueued a retry.
	assert.Len(t, f.enq.deliveries, 1)
}

func TestAttemptClassifiesNetworkError(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	// Port 1 on loopback, nothing listens there.
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = "http://127.0.0.1:1"
		e.Retry.MaxAttempts = 1
	})
	d := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrorClassNetwork, got.ErrorClass)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestAttemptSuppressedByOpenBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the endpoint while the breaker is open")
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
	})
	d := f.seedDelivery(t, ep, nil)

	// Trip the breaker.
	for i := 0; i < breaker.DefaultSettings().FailureThreshold; i++ {
		f.breaker.RecordFailure(ctx, ep.ID)
	}
	require.False(t, f.breaker.Allow(ctx, ep.ID))

	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "circuit breaker open", got.ErrorMessage)
	assert.Equal(t, ErrorClassCircuitOpen, got.ErrorClass)
	// Suppression consumes no attempt budget.
	assert.Equal(t, 0, got.AttemptNumber)
	assert.Equal(t, 1, f.metrics.breakerSuppressions)
}

func TestAttemptDeferredByRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
		e.RateLimit = 1
	})
	first := f.seedDelivery(t, ep, nil)
	second := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.executor.Attempt(ctx, first.ID))
	require.NoError(t, f.executor.Attempt(ctx, second.ID))

	assert.EqualValues(t, 1, calls.Load(), "second delivery must not reach the endpoint")

	got, err := f.store.GetDelivery(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, got.Status)
	// Deferral consumes attempt budget without a breaker penalty.
	assert.Equal(t, 1, got.AttemptNumber)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, breaker.StateClosed, f.breaker.Snapshot(ctx, ep.ID).State)
	assert.Equal(t, 1, f.metrics.rateLimitDeferrals)
}

func TestAttemptRateLimitExhaustsBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
		e.RateLimit = 1
		e.Retry.MaxAttempts = 1
	})
	first := f.seedDelivery(t, ep, nil)
	second := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.executor.Attempt(ctx, first.ID))
	require.NoError(t, f.executor.Attempt(ctx, second.ID))

	got, err := f.store.GetDelivery(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "rate limit exceeded", got.ErrorMessage)
	assert.Equal(t, ErrorClassRateLimited, got.ErrorClass)
	// The denied attempt consumed the whole budget and the stored row
	// reflects it.
	assert.Equal(t, 1, got.AttemptNumber)
}

func TestAttemptIsNoOpWhenTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("terminal delivery must not be re-sent")
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
	})
	d := f.seedDelivery(t, ep, func(_ *Event, d *Delivery) {
		d.Status = StatusSucceeded
	})

	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestAttemptFailsWhenEndpointDeleted(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, nil)
	d := f.seedDelivery(t, ep, nil)

	require.NoError(t, f.store.DeleteEndpoint(ctx, ep.ID))
	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "endpoint no longer exists", got.ErrorMessage)
}

func TestAttemptFailsWhenEventExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired event must not be delivered")
	}))
	defer server.Close()

	f := newExecutorFixture(t)
	ctx := context.Background()
	ep := seedEndpoint(t, f.store, "user-1", []string{EventPitchCreated}, func(e *Endpoint) {
		e.URL = server.URL
	})
	d := f.seedDelivery(t, ep, func(ev *Event, _ *Delivery) {
		ev.ExpiresAt = time.Now().Add(-time.Minute)
	})

	require.NoError(t, f.executor.Attempt(ctx, d.ID))

	got, err := f.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "event expired", got.ErrorMessage)
}

func TestBackoffDelay(t *testing.T) {
	exp := RetryPolicy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second}
	assert.Equal(t, time.Second, backoffDelay(exp, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(exp, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(exp, 3))

	lin := RetryPolicy{MaxAttempts: 5, Backoff: BackoffLinear, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, backoffDelay(lin, 1))
	assert.Equal(t, 6*time.Second, backoffDelay(lin, 3))

	fixed := RetryPolicy{MaxAttempts: 5, Backoff: BackoffFixed, BaseDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, backoffDelay(fixed, 1))
	assert.Equal(t, 5*time.Second, backoffDelay(fixed, 4))
}
