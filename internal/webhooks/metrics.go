package webhooks

import (
	"context"
	"time"
)

// Metrics receives engine measurements from the publisher, registry,
// and executor. All methods must be safe to call concurrently.
type Metrics interface {
	CountEventPublished(ctx context.Context)
	ObserveDelivery(ctx context.Context, outcome string, duration time.Duration)
	CountRateLimitDeferral(ctx context.Context)
	CountBreakerSuppression(ctx context.Context)
	CountBreakerTransition(ctx context.Context, from, to string)
	AddActiveEndpoints(ctx context.Context, delta int64)
}
