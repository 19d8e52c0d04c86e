package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petrel-io/petrel/internal/breaker"
	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/ratelimit"
)

const userAgent = "petrel/1.0"

// maxResponseBody caps how much of a subscriber's response is captured
// on the delivery record.
const maxResponseBody = 64 * 1024

// Error classes recorded on failed attempts, used by analytics rollups.
const (
	ErrorClassTimeout     = "timeout"
	ErrorClassNetwork     = "network"
	ErrorClassHTTP4xx     = "http_4xx"
	ErrorClassHTTP5xx     = "http_5xx"
	ErrorClassCircuitOpen = "circuit_open"
	ErrorClassRateLimited = "rate_limited"
)

// Executor performs one delivery attempt at a time: it gates the
// attempt on the circuit breaker and rate limiter, claims the delivery
// record, sends the signed request, and resolves the outcome into the
// delivery state machine.
type Executor struct {
	endpoints  EndpointStore
	events     EventStore
	deliveries DeliveryStore
	activity   ActivityStore
	breaker    *breaker.Breaker
	limiter    *ratelimit.Limiter
	enqueuer   Enqueuer
	client     *http.Client

	rateWindow     time.Duration
	rateDiscipline ratelimit.Discipline
	metrics        Metrics
	logger         *slog.Logger
	now            func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient overrides the delivery HTTP client. Per-attempt
// timeouts still come from the endpoint's configuration via context.
func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithRateWindow sets the rate limit window applied to every endpoint.
func WithRateWindow(window time.Duration, discipline ratelimit.Discipline) ExecutorOption {
	return func(e *Executor) {
		if window > 0 {
			e.rateWindow = window
		}
		if discipline != "" {
			e.rateDiscipline = discipline
		}
	}
}

// WithMetrics attaches delivery metrics.
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClock overrides the executor clock.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor creates a delivery executor.
func NewExecutor(
	endpoints EndpointStore,
	events EventStore,
	deliveries DeliveryStore,
	activity ActivityStore,
	cb *breaker.Breaker,
	limiter *ratelimit.Limiter,
	enqueuer Enqueuer,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		endpoints:      endpoints,
		events:         events,
		deliveries:     deliveries,
		activity:       activity,
		breaker:        cb,
		limiter:        limiter,
		enqueuer:       enqueuer,
		client:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		rateWindow:     time.Minute,
		rateDiscipline: ratelimit.DisciplineSliding,
		logger:         logger.NewLogger("webhook-executor"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt runs one delivery attempt end to end. It returns an error
// only for infrastructure failures worth retrying at the queue level;
// delivery failures are absorbed into the delivery record.
func (e *Executor) Attempt(ctx context.Context, deliveryID string) error {
	d, err := e.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}
	// A stale job firing after the delivery resolved is a no-op, as is
	// one racing a concurrent attempt.
	if d.Status.Terminal() || d.Status == StatusProcessing {
		return nil
	}

	now := e.now().UTC()

	ep, err := e.endpoints.GetEndpoint(ctx, d.EndpointID)
	if errors.Is(err, ErrNotFound) {
		return e.finalize(ctx, d, StatusFailed, now, func(d *Delivery) {
			d.ErrorMessage = "endpoint no longer exists"
		})
	}
	if err != nil {
		return fmt.Errorf("failed to load endpoint: %w", err)
	}
	if !ep.Active {
		return e.finalize(ctx, d, StatusFailed, now, func(d *Delivery) {
			d.ErrorMessage = "endpoint deactivated"
		})
	}

	ev, err := e.events.GetEvent(ctx, d.EventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if ev.Expired(now) {
		return e.finalize(ctx, d, StatusFailed, now, func(d *Delivery) {
			d.ErrorMessage = "event expired"
		})
	}

	// Breaker check happens before the claim so a suppressed attempt
	// consumes no attempt budget.
	if !e.breaker.Allow(ctx, ep.ID) {
		if e.metrics != nil {
			e.metrics.CountBreakerSuppression(ctx)
		}
		e.logActivity(ctx, "warn", "delivery suppressed by open circuit breaker", ep.ID, ep.UserID, d)
		return e.finalize(ctx, d, StatusFailed, now, func(d *Delivery) {
			d.ErrorMessage = "circuit breaker open"
			d.ErrorClass = ErrorClassCircuitOpen
		})
	}

	// A rate limit denial defers the attempt. It consumes attempt
	// budget but does not count against the breaker: the request never
	// reached the subscriber.
	res := e.limiter.Allow(ctx, "endpoint:"+ep.ID, ratelimit.Config{
		Limit:      ep.RateLimit,
		Window:     e.rateWindow,
		Discipline: e.rateDiscipline,
	})
	if !res.Allowed {
		if e.metrics != nil {
			e.metrics.CountRateLimitDeferral(ctx)
		}
		d.AttemptNumber++
		if d.AttemptNumber >= d.MaxAttempts {
			return e.finalize(ctx, d, StatusFailed, now, func(d *Delivery) {
				d.ErrorMessage = "rate limit exceeded"
				d.ErrorClass = ErrorClassRateLimited
			})
		}
		runAt := now.Add(backoffDelay(ep.Retry, d.AttemptNumber))
		if res.ResetAt.After(runAt) {
			runAt = res.ResetAt
		}
		return e.reschedule(ctx, d, ep.ID, runAt)
	}

	claimed, ok, err := e.deliveries.ClaimDelivery(ctx, d.ID, now)
	if err != nil {
		return fmt.Errorf("failed to claim delivery: %w", err)
	}
	if !ok {
		return nil
	}
	d = claimed

	outcome := e.send(ctx, d, ep)
	completedAt := e.now().UTC()

	if e.metrics != nil {
		name := "failed"
		if outcome.success {
			name = "succeeded"
		}
		e.metrics.ObserveDelivery(ctx, name, time.Duration(outcome.responseTimeMs)*time.Millisecond)
	}

	if outcome.success {
		e.breaker.RecordSuccess(ctx, ep.ID)
		if err := e.endpoints.RecordEndpointOutcome(ctx, ep.ID, true, outcome.responseTimeMs, completedAt); err != nil {
			e.logger.Warn("failed to record endpoint outcome", "endpoint_id", ep.ID, "error", err)
		}
		e.logger.Info("delivery succeeded",
			"delivery_id", d.ID,
			"endpoint_id", ep.ID,
			"attempt", d.AttemptNumber,
			"status", outcome.responseStatus,
			"response_time_ms", outcome.responseTimeMs,
		)
		return e.finalize(ctx, d, StatusSucceeded, completedAt, outcome.apply)
	}

	e.breaker.RecordFailure(ctx, ep.ID)
	if err := e.endpoints.RecordEndpointOutcome(ctx, ep.ID, false, outcome.responseTimeMs, completedAt); err != nil {
		e.logger.Warn("failed to record endpoint outcome", "endpoint_id", ep.ID, "error", err)
	}

	e.logger.Warn("delivery attempt failed",
		"delivery_id", d.ID,
		"endpoint_id", ep.ID,
		"attempt", d.AttemptNumber,
		"max_attempts", d.MaxAttempts,
		"error_class", outcome.errorClass,
		"error", outcome.errorMessage,
	)

	if d.AttemptNumber >= d.MaxAttempts {
		e.logActivity(ctx, "error", "delivery failed permanently", ep.ID, ep.UserID, d)
		return e.finalize(ctx, d, StatusFailed, completedAt, outcome.apply)
	}

	outcome.apply(d)
	runAt := completedAt.Add(backoffDelay(ep.Retry, d.AttemptNumber))
	return e.reschedule(ctx, d, ep.ID, runAt)
}

// attemptOutcome captures one HTTP exchange with a subscriber.
type attemptOutcome struct {
	success         bool
	responseStatus  int
	responseBody    string
	responseHeaders map[string]string
	errorMessage    string
	errorClass      string
	responseTimeMs  int64
}

func (o attemptOutcome) apply(d *Delivery) {
	d.ResponseStatus = o.responseStatus
	d.ResponseBody = o.responseBody
	d.ResponseHeaders = o.responseHeaders
	d.ErrorMessage = o.errorMessage
	d.ErrorClass = o.errorClass
	d.ResponseTimeMs = o.responseTimeMs
}

// send performs the signed HTTP POST. The materialized payload and
// headers from fan-out are replayed verbatim on every attempt.
func (e *Executor) send(ctx context.Context, d *Delivery, ep *Endpoint) attemptOutcome {
	timeout := time.Duration(ep.Timeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return attemptOutcome{
			errorMessage: fmt.Sprintf("failed to build request: %v", err),
			errorClass:   ErrorClassNetwork,
		}
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", userAgent)

	start := e.now()
	resp, err := e.client.Do(req)
	elapsed := e.now().Sub(start).Milliseconds()

	if err != nil {
		return attemptOutcome{
			errorMessage:   err.Error(),
			errorClass:     classifyTransportError(err),
			responseTimeMs: elapsed,
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	out := attemptOutcome{
		responseStatus:  resp.StatusCode,
		responseBody:    string(body),
		responseHeaders: headers,
		responseTimeMs:  elapsed,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.success = true
	case resp.StatusCode >= 500:
		out.errorClass = ErrorClassHTTP5xx
		out.errorMessage = fmt.Sprintf("received HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		out.errorClass = ErrorClassHTTP4xx
		out.errorMessage = fmt.Sprintf("received HTTP %d", resp.StatusCode)
	default:
		out.errorClass = ErrorClassNetwork
		out.errorMessage = fmt.Sprintf("unexpected HTTP %d", resp.StatusCode)
	}
	return out
}

// finalize writes a terminal status and folds the outcome into the
// event's aggregate counters.
func (e *Executor) finalize(ctx context.Context, d *Delivery, status DeliveryStatus, at time.Time, apply func(*Delivery)) error {
	d.Status = status
	d.CompletedAt = &at
	d.NextRetryAt = nil
	if apply != nil {
		apply(d)
	}
	if err := e.deliveries.FinalizeDelivery(ctx, d); err != nil {
		return fmt.Errorf("failed to finalize delivery: %w", err)
	}
	return nil
}

// reschedule parks the delivery as retrying and enqueues the next attempt.
func (e *Executor) reschedule(ctx context.Context, d *Delivery, endpointID string, runAt time.Time) error {
	d.Status = StatusRetrying
	d.NextRetryAt = &runAt
	if err := e.deliveries.ScheduleRetry(ctx, d); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if err := e.enqueuer.EnqueueDelivery(ctx, d.ID, endpointID, runAt); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	e.logger.Info("delivery retry scheduled",
		"delivery_id", d.ID,
		"endpoint_id", endpointID,
		"attempt", d.AttemptNumber,
		"next_retry_at", runAt,
	)
	return nil
}

func (e *Executor) logActivity(ctx context.Context, level, message, endpointID, userID string, d *Delivery) {
	if e.activity == nil {
		return
	}
	entry := &ActivityEntry{
		Level:      level,
		Message:    message,
		Category:   "webhook_delivery",
		EndpointID: endpointID,
		UserID:     userID,
		Context: map[string]any{
			"delivery_id": d.ID,
			"event_id":    d.EventID,
			"attempt":     d.AttemptNumber,
		},
	}
	if err := e.activity.LogActivity(ctx, entry); err != nil {
		e.logger.Warn("failed to write activity log", "error", err)
	}
}

// backoffDelay computes the wait before the next attempt, where attempt
// is the number of attempts already consumed. Exponential growth is
// 1x, 2x, 4x... the base delay.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	switch policy.Backoff {
	case BackoffFixed:
		return base
	case BackoffLinear:
		return time.Duration(attempt) * base
	default:
		shift := attempt - 1
		if shift > 20 {
			shift = 20
		}
		return base << shift
	}
}

func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}
