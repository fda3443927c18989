package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/internal/mailgun"
	"github.com/jwalitptl/mailgate/internal/mimecache"
	"github.com/jwalitptl/mailgate/internal/repository/postgres"
	"github.com/jwalitptl/mailgate/internal/service/reconcile"
	"github.com/jwalitptl/mailgate/internal/service/resubmit"
	"github.com/jwalitptl/mailgate/internal/worker"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/messaging/redis"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

func setupHealthCheck(appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			appLogger.ZL.Error().Err(err).Msg("Health check server failed")
			os.Exit(1)
		}
	}()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("mailgate_worker")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.ZL.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &appLogger.ZL)
	if err != nil {
		appLogger.ZL.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	client, err := mailgun.NewClient(cfg.Mailgun, appLogger, m)
	if err != nil {
		appLogger.ZL.Fatal().Err(err).Msg("failed to build provider client")
	}

	baseRepo := postgres.NewBaseRepository(db)
	eventRepo := postgres.NewEventRepository(baseRepo)
	submissionRepo := postgres.NewSubmissionRepository(baseRepo)
	taskRepo := postgres.NewSendTaskRepository(baseRepo)

	var cache *mimecache.Cache
	if cfg.Resubmit.CacheEnabled {
		cache, err = mimecache.New(cfg.Resubmit.CacheDir)
		if err != nil {
			appLogger.ZL.Fatal().Err(err).Msg("failed to initialize MIME cache")
		}
	}

	resubmitter := resubmit.NewService(cfg.Resubmit, client, eventRepo, cache, appLogger, m)
	reconciler := reconcile.NewService(
		cfg.Reconcile, eventRepo, submissionRepo, resubmitter, cache, appLogger, m,
	)
	processor := worker.NewSendTaskProcessor(
		cfg.Worker, taskRepo, submissionRepo, client, broker, appLogger, m,
	)

	setupHealthCheck(appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		appLogger.ZL.Info().Msg("Shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reconciler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Start(ctx)
	}()
	wg.Wait()
}
