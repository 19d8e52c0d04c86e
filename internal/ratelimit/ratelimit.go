// Package ratelimit enforces per-endpoint request quotas over sliding
// or fixed time windows. Window state lives behind the Store interface;
// on any store error the limiter fails open, since one extra delivery
// attempt is cheaper than wedging all deliveries to an endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Discipline selects the window accounting strategy.
type Discipline string

const (
	// DisciplineSliding keeps individual attempt timestamps within
	// [now-window, now] and allows a request iff fewer than Limit remain.
	DisciplineSliding Discipline = "sliding"
	// DisciplineFixed buckets time into window-sized slots with one
	// counter per slot.
	DisciplineFixed Discipline = "fixed"
)

// Config is the quota applied to a single key.
type Config struct {
	Limit      int
	Window     time.Duration
	Discipline Discipline
}

// Result reports the outcome of one quota check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	TotalHits int
	// FailedOpen is set when a store error forced the limiter to allow
	// the request without consulting window state.
	FailedOpen bool
}

// Store persists window state for limiter keys. Implementations must be
// safe for concurrent use; two deliveries to the same endpoint may
// complete simultaneously.
type Store interface {
	// RecordSliding prunes entries older than windowStart for key,
	// counts the survivors, and appends now iff the count is below
	// limit. It returns the pre-append count and the oldest surviving
	// timestamp (zero when the window is empty).
	RecordSliding(ctx context.Context, key string, now, windowStart time.Time, limit int) (hits int, oldest time.Time, err error)

	// IncrFixed increments the counter stored at key, setting its
	// expiry to ttl when the counter is first created, and returns the
	// post-increment count.
	IncrFixed(ctx context.Context, key string, ttl time.Duration) (hits int64, err error)
}

// Limiter answers "is this request within quota?" for arbitrary keys.
type Limiter struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter backed by store.
func New(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Allow checks and consumes quota for key under cfg.
func (l *Limiter) Allow(ctx context.Context, key string, cfg Config) Result {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		// Unconfigured quota means unlimited.
		return Result{Allowed: true, Remaining: 1}
	}

	switch cfg.Discipline {
	case DisciplineFixed:
		return l.allowFixed(ctx, key, cfg)
	default:
		return l.allowSliding(ctx, key, cfg)
	}
}

func (l *Limiter) allowSliding(ctx context.Context, key string, cfg Config) Result {
	now := l.now()
	windowStart := now.Add(-cfg.Window)

	hits, oldest, err := l.store.RecordSliding(ctx, key, now, windowStart, cfg.Limit)
	if err != nil {
		return l.failOpen(ctx, key, err)
	}

	resetAt := now.Add(cfg.Window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(cfg.Window)
	}

	if hits >= cfg.Limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, TotalHits: hits}
	}
	return Result{
		Allowed:   true,
		Remaining: cfg.Limit - hits - 1,
		ResetAt:   resetAt,
		TotalHits: hits + 1,
	}
}

func (l *Limiter) allowFixed(ctx context.Context, key string, cfg Config) Result {
	now := l.now()
	bucket := now.UnixMilli() / cfg.Window.Milliseconds()
	bucketKey := fmt.Sprintf("%s:%d", key, bucket)
	resetAt := time.UnixMilli((bucket + 1) * cfg.Window.Milliseconds())

	// TTL outlives the window so a bucket never vanishes mid-window.
	hits, err := l.store.IncrFixed(ctx, bucketKey, 2*cfg.Window)
	if err != nil {
		return l.failOpen(ctx, key, err)
	}

	remaining := cfg.Limit - int(hits)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   hits <= int64(cfg.Limit),
		Remaining: remaining,
		ResetAt:   resetAt,
		TotalHits: int(hits),
	}
}

func (l *Limiter) failOpen(ctx context.Context, key string, err error) Result {
	l.logger.WarnContext(ctx, "rate limit store error, failing open",
		"key", key,
		"error", err,
	)
	return Result{Allowed: true, FailedOpen: true}
}
