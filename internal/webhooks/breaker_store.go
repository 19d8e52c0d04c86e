package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrel-io/petrel/internal/breaker"
)

// BreakerStateStore persists circuit breaker records per endpoint so
// breaker state survives process restarts.
type BreakerStateStore struct {
	db *pgxpool.Pool
}

// NewBreakerStateStore creates a Postgres-backed breaker store.
func NewBreakerStateStore(db *pgxpool.Pool) *BreakerStateStore {
	return &BreakerStateStore{db: db}
}

func (s *BreakerStateStore) Get(ctx context.Context, key string) (breaker.Record, bool, error) {
	query := `
		SELECT state, consecutive_failures, consecutive_successes,
		       window_failures, window_successes, last_success_at,
		       last_failure_at, next_attempt_at
		FROM circuit_breaker_states WHERE endpoint_id = $1
	`
	var rec breaker.Record
	var state string
	err := s.db.QueryRow(ctx, query, key).Scan(
		&state, &rec.ConsecutiveFailures, &rec.ConsecutiveSuccesses,
		&rec.WindowFailures, &rec.WindowSuccesses,
		&rec.LastSuccessAt, &rec.LastFailureAt, &rec.NextAttemptAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return breaker.Record{}, false, nil
	}
	if err != nil {
		return breaker.Record{}, false, err
	}
	rec.State = breaker.State(state)
	return rec, true, nil
}

func (s *BreakerStateStore) Put(ctx context.Context, key string, rec breaker.Record) error {
	query := `
		INSERT INTO circuit_breaker_states (
			endpoint_id, state, consecutive_failures, consecutive_successes,
			window_failures, window_successes, last_success_at, last_failure_at,
			next_attempt_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			consecutive_successes = EXCLUDED.consecutive_successes,
			window_failures = EXCLUDED.window_failures,
			window_successes = EXCLUDED.window_successes,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			next_attempt_at = EXCLUDED.next_attempt_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query,
		key, string(rec.State), rec.ConsecutiveFailures, rec.ConsecutiveSuccesses,
		rec.WindowFailures, rec.WindowSuccesses, rec.LastSuccessAt,
		rec.LastFailureAt, rec.NextAttemptAt, time.Now(),
	)
	return err
}

func (s *BreakerStateStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM circuit_breaker_states WHERE endpoint_id = $1`, key)
	return err
}
