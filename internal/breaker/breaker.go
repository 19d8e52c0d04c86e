// Package breaker implements a per-endpoint circuit breaker. Each
// endpoint is tracked independently, so one endpoint's outage never
// throttles another's deliveries. The open->half-open transition is
// evaluated lazily on access rather than by a background timer.
package breaker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	// StateClosed allows deliveries and tracks failures.
	StateClosed State = "closed"
	// StateOpen suppresses deliveries until NextAttemptAt.
	StateOpen State = "open"
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen State = "half-open"
)

// Settings controls the transition thresholds.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// DefaultSettings returns the thresholds applied to new endpoints.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      300 * time.Second,
	}
}

// Record is the persisted per-key breaker state.
type Record struct {
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	WindowFailures       int64      `json:"window_failures"`
	WindowSuccesses      int64      `json:"window_successes"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
}

// Store persists breaker records per key.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, key string) error
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger for state transitions and store errors.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeFunc registers a callback invoked on every state
// transition, for metrics.
func WithStateChangeFunc(fn func(key string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// WithNowFunc overrides the clock.
func WithNowFunc(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker evaluates and records delivery outcomes per key.
type Breaker struct {
	mu       sync.Mutex
	store    Store
	settings Settings
	logger   *slog.Logger
	onChange func(key string, from, to State)
	now      func() time.Time
}

// New creates a breaker over store with the given thresholds.
func New(store Store, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		store:    store,
		settings: settings,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a delivery attempt to key may proceed. An open
// circuit past its timeout flips to half-open and allows the probe.
// Store errors are treated as "not open": availability over strictness.
func (b *Breaker) Allow(ctx context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok, err := b.store.Get(ctx, key)
	if err != nil {
		b.logger.WarnContext(ctx, "breaker store error, allowing attempt", "key", key, "error", err)
		return true
	}
	if !ok || rec.State == StateClosed || rec.State == StateHalfOpen {
		return true
	}

	// Open: check whether the suppression window has elapsed.
	now := b.now()
	if rec.NextAttemptAt != nil && now.After(*rec.NextAttemptAt) {
		b.transition(ctx, key, &rec, StateHalfOpen)
		rec.ConsecutiveSuccesses = 0
		b.put(ctx, key, rec)
		return true
	}
	return false
}

// RecordSuccess records a successful delivery outcome for key.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, _, err := b.store.Get(ctx, key)
	if err != nil {
		b.logger.WarnContext(ctx, "breaker store error on success", "key", key, "error", err)
		return
	}
	if rec.State == "" {
		rec.State = StateClosed
	}

	now := b.now()
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses++
	rec.WindowSuccesses++
	rec.LastSuccessAt = &now

	if rec.State == StateHalfOpen && rec.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
		b.transition(ctx, key, &rec, StateClosed)
		rec.ConsecutiveSuccesses = 0
		rec.ConsecutiveFailures = 0
		rec.NextAttemptAt = nil
	}

	b.put(ctx, key, rec)
}

// RecordFailure records a failed delivery outcome for key.
func (b *Breaker) RecordFailure(ctx context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, _, err := b.store.Get(ctx, key)
	if err != nil {
		b.logger.WarnContext(ctx, "breaker store error on failure", "key", key, "error", err)
		return
	}
	if rec.State == "" {
		rec.State = StateClosed
	}

	now := b.now()
	rec.ConsecutiveSuccesses = 0
	rec.ConsecutiveFailures++
	rec.WindowFailures++
	rec.LastFailureAt = &now

	switch rec.State {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		next := now.Add(b.settings.OpenTimeout)
		b.transition(ctx, key, &rec, StateOpen)
		rec.NextAttemptAt = &next
	case StateClosed:
		if rec.ConsecutiveFailures >= b.settings.FailureThreshold {
			next := now.Add(b.settings.OpenTimeout)
			b.transition(ctx, key, &rec, StateOpen)
			rec.NextAttemptAt = &next
		}
	}

	b.put(ctx, key, rec)
}

// Snapshot returns the current record for key.
func (b *Breaker) Snapshot(ctx context.Context, key string) Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok, err := b.store.Get(ctx, key)
	if err != nil || !ok {
		return Record{State: StateClosed}
	}
	return rec
}

// Reset discards all breaker state for key. Called when an endpoint is
// deleted.
func (b *Breaker) Reset(ctx context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Delete(ctx, key); err != nil {
		b.logger.WarnContext(ctx, "breaker store error on reset", "key", key, "error", err)
	}
}

func (b *Breaker) transition(ctx context.Context, key string, rec *Record, to State) {
	from := rec.State
	rec.State = to
	b.logger.InfoContext(ctx, "circuit breaker state change",
		"key", key,
		"from", string(from),
		"to", string(to),
	)
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}

func (b *Breaker) put(ctx context.Context, key string, rec Record) {
	if err := b.store.Put(ctx, key, rec); err != nil {
		b.logger.WarnContext(ctx, "breaker store error on put", "key", key, "error", err)
	}
}
