package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slidingConfig(limit int, window time.Duration) Config {
	return Config{Limit: limit, Window: window, Discipline: DisciplineSliding}
}

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()
	cfg := slidingConfig(3, time.Minute)

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "ep-1", cfg)
		assert.True(t, res.Allowed, "request %d within limit must be allowed", i+1)
		assert.Equal(t, 3-i-1, res.Remaining)
	}

	res := l.Allow(ctx, "ep-1", cfg)
	assert.False(t, res.Allowed, "request over the limit must be denied")
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.ResetAt.IsZero())
}

func TestSlidingWindowRollsOver(t *testing.T) {
	now := time.Now()
	l := New(NewMemoryStore(), nil)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	cfg := slidingConfig(2, time.Minute)

	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	require.False(t, l.Allow(ctx, "ep-1", cfg).Allowed)

	// Once the first attempts age out of the window, quota returns.
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
}

func TestSlidingWindowDeniedRequestsDoNotConsumeQuota(t *testing.T) {
	now := time.Now()
	l := New(NewMemoryStore(), nil)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	cfg := slidingConfig(1, time.Minute)

	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		require.False(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	}

	// Only the allowed attempt occupies the window, so quota returns
	// one window after it, not after the last denial.
	now = now.Add(56 * time.Second)
	assert.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()
	cfg := slidingConfig(1, time.Minute)

	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	require.False(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	assert.True(t, l.Allow(ctx, "ep-2", cfg).Allowed)
}

func TestFixedWindowCounts(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()
	cfg := Config{Limit: 2, Window: time.Minute, Discipline: DisciplineFixed}

	assert.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	assert.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	assert.False(t, l.Allow(ctx, "ep-1", cfg).Allowed)
}

func TestFixedWindowRollsOver(t *testing.T) {
	now := time.Now()
	l := New(NewMemoryStore(), nil)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	cfg := Config{Limit: 2, Window: time.Minute, Discipline: DisciplineFixed}

	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	require.True(t, l.Allow(ctx, "ep-1", cfg).Allowed)
	require.False(t, l.Allow(ctx, "ep-1", cfg).Allowed)

	// The next bucket starts with a fresh counter.
	now = now.Add(time.Minute)
	res := l.Allow(ctx, "ep-1", cfg)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.TotalHits)
}

func TestUnconfiguredQuotaIsUnlimited(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(ctx, "ep-1", Config{}).Allowed)
	}
}

type failingStore struct{}

func (failingStore) RecordSliding(context.Context, string, time.Time, time.Time, int) (int, time.Time, error) {
	return 0, time.Time{}, assert.AnError
}

func (failingStore) IncrFixed(context.Context, string, time.Duration) (int64, error) {
	return 0, assert.AnError
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, nil)
	ctx := context.Background()

	res := l.Allow(ctx, "ep-1", slidingConfig(1, time.Minute))
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)

	res = l.Allow(ctx, "ep-1", Config{Limit: 1, Window: time.Minute, Discipline: DisciplineFixed})
	assert.True(t, res.Allowed)
	assert.True(t, res.FailedOpen)
}
