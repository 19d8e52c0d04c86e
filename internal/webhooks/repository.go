package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements the engine's store interfaces on Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository over the given pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const endpointColumns = `
	id, user_id, name, url, secret, event_types, resource_type, filters,
	headers, timeout, retry, rate_limit, active, total_deliveries,
	successful_deliveries, failed_deliveries, last_success_at,
	last_failure_at, avg_response_ms, created_at, updated_at
`

func (r *Repository) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt

	eventTypesJSON, err := json.Marshal(e.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}
	filtersJSON, err := json.Marshal(e.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	retryJSON, err := json.Marshal(e.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}

	query := `
		INSERT INTO webhook_endpoints (
			id, user_id, name, url, secret, event_types, resource_type, filters,
			headers, timeout, retry, rate_limit, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.Exec(ctx, query,
		e.ID, e.UserID, e.Name, e.URL, e.Secret,
		eventTypesJSON, e.ResourceType, filtersJSON, headersJSON,
		e.Timeout, retryJSON, e.RateLimit, e.Active,
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (r *Repository) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = $1`
	return r.scanEndpointRow(r.db.QueryRow(ctx, query, id))
}

func (r *Repository) GetEndpointForUser(ctx context.Context, id, userID string) (*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = $1 AND user_id = $2`
	return r.scanEndpointRow(r.db.QueryRow(ctx, query, id, userID))
}

func (r *Repository) ListEndpoints(ctx context.Context, userID string) ([]*Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEndpoints(rows)
}

func (r *Repository) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	e.UpdatedAt = time.Now()

	eventTypesJSON, err := json.Marshal(e.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}
	filtersJSON, err := json.Marshal(e.Filters)
	if err != nil {
		return fmt.Errorf("failed to marshal filters: %w", err)
	}
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	retryJSON, err := json.Marshal(e.Retry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}

	query := `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, event_types = $4, resource_type = $5,
		    filters = $6, headers = $7, timeout = $8, retry = $9,
		    rate_limit = $10, active = $11, updated_at = $12
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		e.ID, e.Name, e.URL, eventTypesJSON, e.ResourceType, filtersJSON,
		headersJSON, e.Timeout, retryJSON, e.RateLimit, e.Active, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE endpoint_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM circuit_breaker_states WHERE endpoint_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (r *Repository) SetEndpointActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE webhook_endpoints SET active = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, active, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ReplaceSubscriptions(ctx context.Context, endpointID string, eventTypes []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE endpoint_id = $1`, endpointID); err != nil {
		return err
	}
	for _, eventType := range eventTypes {
		_, err := tx.Exec(ctx,
			`INSERT INTO webhook_subscriptions (endpoint_id, event_type, created_at) VALUES ($1, $2, $3)`,
			endpointID, eventType, time.Now(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) ListEligibleEndpoints(ctx context.Context, eventType string) ([]*Endpoint, error) {
	query := `
		SELECT ` + endpointColumns + `
		FROM webhook_endpoints e
		WHERE e.active = true
		  AND EXISTS (
			SELECT 1 FROM webhook_subscriptions s
			WHERE s.endpoint_id = e.id AND s.event_type = $1
		  )
		ORDER BY e.created_at
	`
	rows, err := r.db.Query(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEndpoints(rows)
}

func (r *Repository) RecordEndpointOutcome(ctx context.Context, id string, success bool, responseTimeMs int64, at time.Time) error {
	query := `
		UPDATE webhook_endpoints
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_success_at = CASE WHEN $2 THEN $4 ELSE last_success_at END,
		    last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE $4 END,
		    avg_response_ms = CASE
		        WHEN NOT $2 THEN avg_response_ms
		        WHEN avg_response_ms IS NULL THEN $3::double precision
		        ELSE (avg_response_ms + $3::double precision) / 2
		    END,
		    updated_at = $4
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, success, responseTimeMs, at)
	return err
}

func (r *Repository) CreateEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO webhook_events (
			id, event_type, resource_type, resource_id, payload, triggered_by,
			source, correlation_id, total_endpoints, success_count, failed_count,
			pending_count, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		ev.ID, ev.EventType, ev.ResourceType, ev.ResourceID, payloadJSON,
		ev.TriggeredBy, ev.Source, ev.CorrelationID,
		ev.TotalEndpoints, ev.SuccessCount, ev.FailedCount, ev.PendingCount,
		ev.CreatedAt, ev.ExpiresAt,
	)
	return err
}

func (r *Repository) GetEvent(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT id, event_type, resource_type, resource_id, payload, triggered_by,
		       source, correlation_id, total_endpoints, success_count, failed_count,
		       pending_count, created_at, expires_at, processed_at
		FROM webhook_events WHERE id = $1
	`
	var ev Event
	var payloadJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ev.ID, &ev.EventType, &ev.ResourceType, &ev.ResourceID, &payloadJSON,
		&ev.TriggeredBy, &ev.Source, &ev.CorrelationID,
		&ev.TotalEndpoints, &ev.SuccessCount, &ev.FailedCount,
		&ev.PendingCount, &ev.CreatedAt, &ev.ExpiresAt, &ev.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &ev, nil
}

const deliveryColumns = `
	id, event_id, endpoint_id, url, payload, headers, status, attempt_number,
	max_attempts, response_status, response_body, response_headers,
	error_message, error_class, response_time_ms, created_at, started_at,
	completed_at, next_retry_at
`

func (r *Repository) CreateDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now()
	if d.Status == "" {
		d.Status = StatusPending
	}

	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO webhook_deliveries (
			id, event_id, endpoint_id, url, payload, headers, status,
			attempt_number, max_attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.Exec(ctx, query,
		d.ID, d.EventID, d.EndpointID, d.URL, d.Payload, headersJSON,
		d.Status, d.AttemptNumber, d.MaxAttempts, d.CreatedAt,
	)
	return err
}

func (r *Repository) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	return r.scanDeliveryRow(r.db.QueryRow(ctx, query, id))
}

func (r *Repository) ClaimDelivery(ctx context.Context, id string, at time.Time) (*Delivery, bool, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'processing', attempt_number = attempt_number + 1, started_at = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING ` + deliveryColumns
	d, err := r.scanDeliveryRow(r.db.QueryRow(ctx, query, id, at))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (r *Repository) FinalizeDelivery(ctx context.Context, d *Delivery) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	headersJSON, err := json.Marshal(d.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("failed to marshal response headers: %w", err)
	}

	// The status guard keeps the event counters exact: a delivery folds
	// into them exactly once.
	query := `
		UPDATE webhook_deliveries
		SET status = $2, attempt_number = $3, response_status = $4,
		    response_body = $5, response_headers = $6, error_message = $7,
		    error_class = $8, response_time_ms = $9, completed_at = $10,
		    next_retry_at = NULL
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed')
	`
	tag, err := tx.Exec(ctx, query,
		d.ID, d.Status, d.AttemptNumber, d.ResponseStatus, d.ResponseBody,
		headersJSON, d.ErrorMessage, d.ErrorClass, d.ResponseTimeMs, d.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	counters := `
		UPDATE webhook_events
		SET pending_count = pending_count - 1,
		    success_count = success_count + CASE WHEN $2 = 'succeeded' THEN 1 ELSE 0 END,
		    failed_count = failed_count + CASE WHEN $2 = 'succeeded' THEN 0 ELSE 1 END,
		    processed_at = CASE WHEN pending_count - 1 <= 0 THEN $3 ELSE processed_at END
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, counters, d.EventID, string(d.Status), time.Now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ScheduleRetry(ctx context.Context, d *Delivery) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'retrying', attempt_number = $2, next_retry_at = $3,
		    error_message = $4, error_class = $5, response_status = $6,
		    response_body = $7, response_time_ms = $8
		WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')
	`
	_, err := r.db.Exec(ctx, query,
		d.ID, d.AttemptNumber, d.NextRetryAt, d.ErrorMessage, d.ErrorClass,
		d.ResponseStatus, d.ResponseBody, d.ResponseTimeMs,
	)
	return err
}

func (r *Repository) ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE endpoint_id = $1`, endpointID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, endpointID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := r.scanDeliveryRow(rows)
		if err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, total, rows.Err()
}

func (r *Repository) AggregateDeliveries(ctx context.Context, endpointID, period string, from, to time.Time) ([]AnalyticsBucket, error) {
	trunc := "day"
	if period == "hour" {
		trunc = "hour"
	}

	query := `
		SELECT date_trunc($2, completed_at) AS bucket,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		       COALESCE(AVG(response_time_ms) FILTER (WHERE status = 'succeeded'), 0) AS avg_response_ms,
		       COUNT(*) FILTER (WHERE error_class = 'timeout') AS timeouts,
		       COUNT(*) FILTER (WHERE error_class = 'network') AS network_errors,
		       COUNT(*) FILTER (WHERE error_class = 'http_4xx') AS http_4xx,
		       COUNT(*) FILTER (WHERE error_class = 'http_5xx') AS http_5xx
		FROM webhook_deliveries
		WHERE endpoint_id = $1 AND completed_at >= $3 AND completed_at < $4
		GROUP BY bucket
		ORDER BY bucket
	`
	rows, err := r.db.Query(ctx, query, endpointID, trunc, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []AnalyticsBucket
	for rows.Next() {
		var b AnalyticsBucket
		err := rows.Scan(
			&b.Bucket, &b.Total, &b.Succeeded, &b.Failed, &b.AvgResponseMs,
			&b.Timeouts, &b.NetworkErrors, &b.HTTP4xx, &b.HTTP5xx,
		)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (r *Repository) SummarizeDeliveries(ctx context.Context, endpointID string, from, to time.Time) (*AnalyticsSummary, error) {
	query := `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		       COALESCE(AVG(response_time_ms) FILTER (WHERE status = 'succeeded'), 0) AS avg_response_ms
		FROM webhook_deliveries
		WHERE endpoint_id = $1 AND completed_at >= $2 AND completed_at < $3
	`
	var s AnalyticsSummary
	err := r.db.QueryRow(ctx, query, endpointID, from, to).Scan(
		&s.Total, &s.Succeeded, &s.Failed, &s.AvgResponseMs,
	)
	if err != nil {
		return nil, err
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return &s, nil
}

func (r *Repository) LogActivity(ctx context.Context, entry *ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `
		INSERT INTO activity_log (
			id, level, message, category, endpoint_id, user_id, context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.Level, entry.Message, entry.Category,
		entry.EndpointID, entry.UserID, contextJSON, entry.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanEndpointRow(row rowScanner) (*Endpoint, error) {
	var e Endpoint
	var eventTypesJSON, filtersJSON, headersJSON, retryJSON []byte

	err := row.Scan(
		&e.ID, &e.UserID, &e.Name, &e.URL, &e.Secret,
		&eventTypesJSON, &e.ResourceType, &filtersJSON, &headersJSON, &e.Timeout,
		&retryJSON, &e.RateLimit, &e.Active,
		&e.TotalDeliveries, &e.SuccessfulDeliveries, &e.FailedDeliveries,
		&e.LastSuccessAt, &e.LastFailureAt, &e.AvgResponseMs,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventTypesJSON, &e.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event types: %w", err)
	}
	if err := json.Unmarshal(filtersJSON, &e.Filters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(headersJSON, &e.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if err := json.Unmarshal(retryJSON, &e.Retry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry policy: %w", err)
	}
	return &e, nil
}

func (r *Repository) scanEndpoints(rows pgx.Rows) ([]*Endpoint, error) {
	var endpoints []*Endpoint
	for rows.Next() {
		e, err := r.scanEndpointRow(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func (r *Repository) scanDeliveryRow(row rowScanner) (*Delivery, error) {
	var d Delivery
	var headersJSON, responseHeadersJSON []byte

	err := row.Scan(
		&d.ID, &d.EventID, &d.EndpointID, &d.URL, &d.Payload, &headersJSON,
		&d.Status, &d.AttemptNumber, &d.MaxAttempts,
		&d.ResponseStatus, &d.ResponseBody, &responseHeadersJSON,
		&d.ErrorMessage, &d.ErrorClass, &d.ResponseTimeMs,
		&d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.NextRetryAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(headersJSON, &d.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if len(responseHeadersJSON) > 0 {
		if err := json.Unmarshal(responseHeadersJSON, &d.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response headers: %w", err)
		}
	}
	return &d, nil
}
