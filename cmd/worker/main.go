package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"greeting-service/internal/config"
	"greeting-service/internal/db"
	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
	"greeting-service/internal/ops"
	"greeting-service/internal/provider"
	natsq "greeting-service/internal/queue/nats"
	"greeting-service/internal/users"
	"greeting-service/internal/worker"
)

// The worker process consumes the send queue and talks to the email vendor.
// It runs no migrations and no schedulers; scale it horizontally.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	otelCleanup, err := observability.SetupOpenTelemetry("greeting-worker", logger)
	if err != nil {
		logger.Fatal("failed to set up OpenTelemetry", zap.Error(err))
	}
	defer otelCleanup()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	pg, err := db.NewPostgres(startCtx, cfg.PostgresURL, cfg.DBMaxOpenConns)
	if err != nil {
		logger.Fatal("failed to connect to Postgres", zap.Error(err))
	}
	defer pg.Close()

	queue, err := natsq.NewQueue(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer queue.Close()

	consumer, err := queue.PullConsumer(cfg.WorkerConcurrency, cfg.WorkerTimeout)
	if err != nil {
		logger.Fatal("failed to bind queue consumer", zap.Error(err))
	}
	defer consumer.Close()

	var sender provider.Sender
	if metrics != nil {
		sender = provider.NewClient(vendorConfig(cfg), logger, metrics.CircuitState)
	} else {
		sender = provider.NewClient(vendorConfig(cfg), logger, nil)
	}

	pool := worker.NewPool(
		logger,
		metrics,
		messagelog.NewStore(pg, logger),
		users.NewStore(pg, logger),
		sender,
		consumer,
		queue,
		worker.Config{
			Concurrency:    cfg.WorkerConcurrency,
			MaxRetries:     cfg.MaxWorkerRetries,
			Backoff:        worker.BackoffPolicy{Base: cfg.BackoffBase, Factor: cfg.BackoffFactor, Cap: cfg.BackoffCap},
			MessageTimeout: cfg.WorkerMessageBudget(),
			DrainTimeout:   cfg.WorkerDrainTimeout,
		},
	)

	opsServer := ops.NewServer(ops.Deps{
		Logger:     logger,
		Postgres:   pg,
		Queue:      queue,
		Sender:     sender,
		APIKeyHash: cfg.OpsAPIKeyHash,
	})
	go func() {
		if err := opsServer.Listen(cfg.OpsPort); err != nil {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()
	logger.Info("ops server listening", zap.String("port", cfg.OpsPort))

	runCtx, stop := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down")
		stop()
	}()

	if err := pool.Run(runCtx); err != nil {
		logger.Error("worker pool stopped with error", zap.Error(err))
	}

	if err := opsServer.Shutdown(); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func vendorConfig(cfg *config.Config) provider.ClientConfig {
	return provider.ClientConfig{
		BaseURL:        cfg.VendorURL,
		RequestTimeout: cfg.VendorTimeout,
		Interval:       cfg.CircuitInterval,
		Threshold:      cfg.CircuitThreshold,
		MinRequests:    cfg.CircuitMinRequests,
		ResetTimeout:   cfg.CircuitResetTimeout,
	}
}
