package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrel-io/petrel/internal/config"
	"github.com/petrel-io/petrel/internal/httpapi"
	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/observability"
	"github.com/petrel-io/petrel/internal/queue"
	"github.com/petrel-io/petrel/internal/webhooks"
)

func main() {
	ctx := context.Background()
	log := logger.NewLogger("petrel")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	otelShutdown, err := observability.Setup(ctx, observability.DefaultConfig())
	if err != nil {
		log.Error("Failed to setup observability", "error", err)
		os.Exit(1)
	}

	metrics, err := observability.NewPetrelMetrics()
	if err != nil {
		log.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}

	queueManager, err := queue.NewManager(ctx, cfg, metrics)
	if err != nil {
		log.Error("Failed to create queue manager", "error", err)
		os.Exit(1)
	}

	if err := queueManager.Start(ctx); err != nil {
		log.Error("Failed to start queue manager", "error", err)
		os.Exit(1)
	}

	repo := queueManager.Repo()
	registry := webhooks.NewRegistry(repo, repo, queueManager.Breaker(), webhooks.RegistryDefaults{
		TimeoutSeconds: cfg.DefaultTimeoutSeconds,
		MaxAttempts:    cfg.DefaultMaxAttempts,
		RateLimit:      cfg.DefaultRateLimit,
	}, webhooks.WithRegistryMetrics(metrics))
	analytics := webhooks.NewAnalytics(repo, repo, repo)

	api := httpapi.NewServer(registry, queueManager.Publisher(), analytics, queueManager.Pool())
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	if err := queueManager.Stop(shutdownCtx); err != nil {
		log.Error("Queue manager shutdown failed", "error", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Error("Observability shutdown failed", "error", err)
	}
	log.Info("Shutdown complete")
}
