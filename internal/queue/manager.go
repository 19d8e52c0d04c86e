package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/petrel-io/petrel/internal/breaker"
	"github.com/petrel-io/petrel/internal/config"
	"github.com/petrel-io/petrel/internal/jobs"
	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/ratelimit"
	"github.com/petrel-io/petrel/internal/webhooks"
	"github.com/petrel-io/petrel/internal/workers"
)

// deliveryJobMaxAttempts bounds queue-level retries of a delivery job.
// Webhook retries are scheduled by the executor as fresh jobs, so this
// only covers infrastructure errors (DB down, queue hiccups).
const deliveryJobMaxAttempts = 3

// Manager wires the River queue to the webhook services and owns the
// database pool. It is the durable side of publish and retry: every
// fan-out and delivery attempt is a persisted job.
type Manager struct {
	client    *river.Client[pgx.Tx]
	dbPool    *pgxpool.Pool
	repo      *webhooks.Repository
	publisher *webhooks.Publisher
	executor  *webhooks.Executor
	breaker   *breaker.Breaker
}

// NewManager creates the queue manager and the services it drives.
func NewManager(ctx context.Context, cfg *config.Config, metrics webhooks.Metrics) (*Manager, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := webhooks.NewRepository(dbPool)

	breakerOpts := []breaker.Option{
		breaker.WithLogger(logger.NewLogger("circuit-breaker")),
	}
	if metrics != nil {
		breakerOpts = append(breakerOpts, breaker.WithStateChangeFunc(func(_ string, from, to breaker.State) {
			metrics.CountBreakerTransition(context.Background(), string(from), string(to))
		}))
	}
	cb := breaker.New(
		webhooks.NewBreakerStateStore(dbPool),
		breaker.Settings{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		},
		breakerOpts...,
	)

	limiter, err := newLimiter(ctx, cfg)
	if err != nil {
		dbPool.Close()
		return nil, err
	}

	riverWorkers := river.NewWorkers()
	riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
			"events":           {MaxWorkers: cfg.FanoutWorkers},
			"webhooks":         {MaxWorkers: cfg.DeliveryWorkers},
		},
		Workers: riverWorkers,
	})
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	m := &Manager{
		client:  riverClient,
		dbPool:  dbPool,
		repo:    repo,
		breaker: cb,
	}

	// The manager is the Enqueuer, so services and workers are built
	// after the client exists.
	m.publisher = webhooks.NewPublisher(repo, repo, repo, repo, m, cfg.EventRetention,
		webhooks.WithPublisherMetrics(metrics),
	)
	m.executor = webhooks.NewExecutor(repo, repo, repo, repo, cb, limiter, m,
		webhooks.WithRateWindow(cfg.RateLimitWindow, ratelimit.DisciplineSliding),
		webhooks.WithMetrics(metrics),
	)

	river.AddWorker(riverWorkers, workers.NewFanoutWorker(m.publisher))
	river.AddWorker(riverWorkers, workers.NewDeliveryWorker(m.executor))

	return m, nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (*ratelimit.Limiter, error) {
	log := logger.NewLogger("rate-limiter")
	if cfg.RedisURL == "" {
		return ratelimit.New(ratelimit.NewMemoryStore(), log), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return ratelimit.New(ratelimit.NewRedisStore(client), log), nil
}

// Start starts the queue processing
func (m *Manager) Start(ctx context.Context) error {
	log := logger.NewLogger("queue-manager")

	if err := m.client.Start(ctx); err != nil {
		log.Error("Failed to start River client", "error", err)
		return fmt.Errorf("failed to start River client: %w", err)
	}

	log.Info("River queue started successfully")
	return nil
}

// Stop stops the queue processing and closes the database pool.
func (m *Manager) Stop(ctx context.Context) error {
	m.client.Stop(ctx)
	m.dbPool.Close()
	return nil
}

// EnqueueFanout inserts a durable fan-out job for a published event.
func (m *Manager) EnqueueFanout(ctx context.Context, ev *webhooks.Event) error {
	_, err := m.client.Insert(ctx, jobs.EventFanoutArgs{Event: *ev}, &river.InsertOpts{
		Queue: "events",
	})
	return err
}

// EnqueueDelivery inserts a delivery attempt job, scheduled at runAt.
func (m *Manager) EnqueueDelivery(ctx context.Context, deliveryID, endpointID string, runAt time.Time) error {
	_, err := m.client.Insert(ctx, jobs.DeliveryArgs{
		DeliveryID: deliveryID,
		EndpointID: endpointID,
	}, &river.InsertOpts{
		Queue:       "webhooks",
		ScheduledAt: runAt,
		MaxAttempts: deliveryJobMaxAttempts,
	})
	return err
}

// Pool returns the database pool.
func (m *Manager) Pool() *pgxpool.Pool {
	return m.dbPool
}

// Repo returns the webhook repository.
func (m *Manager) Repo() *webhooks.Repository {
	return m.repo
}

// Publisher returns the event publisher.
func (m *Manager) Publisher() *webhooks.Publisher {
	return m.publisher
}

// Executor returns the delivery executor.
func (m *Manager) Executor() *webhooks.Executor {
	return m.executor
}

// Breaker returns the circuit breaker shared by the executor.
func (m *Manager) Breaker() *breaker.Breaker {
	return m.breaker
}
