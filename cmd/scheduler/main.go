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
	"greeting-service/internal/idempotency"
	"greeting-service/internal/messagelog"
	"greeting-service/internal/observability"
	"greeting-service/internal/ops"
	natsq "greeting-service/internal/queue/nats"
	"greeting-service/internal/scheduler"
	"greeting-service/internal/users"
)

// The scheduler process hosts the three singleton cron jobs: daily
// precalculation, minute enqueue and recovery. Workers run as a separate
// process so the two scale independently.
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

	otelCleanup, err := observability.SetupOpenTelemetry("greeting-scheduler", logger)
	if err != nil {
		logger.Fatal("failed to set up OpenTelemetry", zap.Error(err))
	}
	defer otelCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := db.NewPostgres(ctx, cfg.PostgresURL, cfg.DBMaxOpenConns)
	if err != nil {
		logger.Fatal("failed to connect to Postgres", zap.Error(err))
	}
	defer pg.Close()

	if err := pg.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("migrations applied")

	rdb, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	queue, err := natsq.NewQueue(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer queue.Close()

	logStore := messagelog.NewStore(pg, logger)
	userStore := users.NewStore(pg, logger)
	seenCache := idempotency.NewCache(rdb, logger)

	daily := scheduler.NewDaily(userStore, logStore, seenCache, logger, metrics, cfg.HorizonDays)
	enqueue := scheduler.NewEnqueue(logStore, queue, logger, metrics, cfg.EnqueueWindow)
	recovery := scheduler.NewRecovery(logStore, queue, logger, metrics, scheduler.RecoveryConfig{
		Grace:         cfg.StrandedGrace,
		HardLateness:  cfg.StrandedHardLateness,
		WorkerTimeout: cfg.WorkerTimeout,
		RequeueAfter:  cfg.RequeueAfter,
		MaxRetries:    cfg.MaxRecoveryRetries,
	})

	runner := scheduler.NewRunner(logger, metrics, cfg.SchedulerGrace)
	for _, reg := range []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.DailySchedule, daily},
		{cfg.EnqueueSchedule, enqueue},
		{cfg.RecoverySchedule, recovery},
	} {
		if err := runner.Register(reg.spec, reg.job); err != nil {
			logger.Fatal("failed to register scheduler job", zap.Error(err))
		}
	}
	runner.Start()
	logger.Info("schedulers started",
		zap.String("daily", cfg.DailySchedule),
		zap.String("enqueue", cfg.EnqueueSchedule),
		zap.String("recovery", cfg.RecoverySchedule))

	opsServer := ops.NewServer(ops.Deps{
		Logger:     logger,
		Postgres:   pg,
		Redis:      rdb,
		Queue:      queue,
		Runner:     runner,
		Daily:      daily,
		APIKeyHash: cfg.OpsAPIKeyHash,
	})
	go func() {
		if err := opsServer.Listen(cfg.OpsPort); err != nil {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()
	logger.Info("ops server listening", zap.String("port", cfg.OpsPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	runner.Stop()
	if err := opsServer.Shutdown(); err != nil {
		logger.Error("ops server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
