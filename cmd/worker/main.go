// Package main provides the background worker entry point: the metadata
// outbox and the reconcile loop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tag-anchor/internal/app"
	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/retry"
	"github.com/tag-anchor/internal/worker"
)

func main() {
	log.Println("Tag anchor worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := app.InitLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	outbox, err := worker.NewOutboxWorker(&worker.OutboxWorkerConfig{
		Queue:        a.Outbox,
		Chain:        a.Contract,
		PollInterval: cfg.Workers.OutboxInterval,
		MaxAttempts:  cfg.Workers.OutboxMaxAttempts,
		Backoff: &retry.RetryConfig{
			InitialDelay: cfg.Workers.OutboxInterval,
			MaxDelay:     time.Hour,
			Multiplier:   2,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create outbox worker")
	}

	reconcile, err := worker.NewReconcileWorker(&worker.ReconcileWorkerConfig{
		Tags:           a.Tags,
		Batches:        a.Batches,
		TagReconciler:  a.Reconcile,
		BatchReconcile: a.Anchor,
		PollInterval:   cfg.Workers.ReconcileInterval,
		Limit:          cfg.Workers.ReconcileLimit,
		MinBatchAge:    cfg.Workers.StaleAnchoringAfter,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create reconcile worker")
	}

	if err := outbox.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start outbox worker")
	}
	if err := reconcile.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start reconcile worker")
	}

	logger.WithFields(map[string]interface{}{
		"outboxInterval":    cfg.Workers.OutboxInterval.String(),
		"reconcileInterval": cfg.Workers.ReconcileInterval.String(),
	}).Info("Workers started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down workers...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := outbox.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Outbox worker did not stop cleanly")
	}
	if err := reconcile.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Reconcile worker did not stop cleanly")
	}
	cancel()

	logger.Info("Workers exited")
}
