package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/mailgate/internal/config"
	healthHandler "github.com/jwalitptl/mailgate/internal/handler/health"
	messageHandler "github.com/jwalitptl/mailgate/internal/handler/message"
	webhookHandler "github.com/jwalitptl/mailgate/internal/handler/webhook"
	"github.com/jwalitptl/mailgate/internal/mailgun"
	"github.com/jwalitptl/mailgate/internal/mimecache"
	"github.com/jwalitptl/mailgate/internal/repository/postgres"
	"github.com/jwalitptl/mailgate/internal/router"
	"github.com/jwalitptl/mailgate/internal/service/dispatch"
	"github.com/jwalitptl/mailgate/internal/service/resubmit"
	"github.com/jwalitptl/mailgate/internal/signing"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/messaging/redis"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("mailgate")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.ZL.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	baseRepo := postgres.NewBaseRepository(db)
	eventRepo := postgres.NewEventRepository(baseRepo)
	submissionRepo := postgres.NewSubmissionRepository(baseRepo)
	taskRepo := postgres.NewSendTaskRepository(baseRepo)

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

	var cache *mimecache.Cache
	if cfg.Resubmit.CacheEnabled {
		cache, err = mimecache.New(cfg.Resubmit.CacheDir)
		if err != nil {
			appLogger.ZL.Fatal().Err(err).Msg("failed to initialize MIME cache")
		}
	}

	dispatcher := dispatch.NewService(
		cfg.Dispatch, cfg.Mailgun, cfg.Webhook,
		client, taskRepo, submissionRepo, broker, appLogger, m,
	)
	resubmitter := resubmit.NewService(cfg.Resubmit, client, eventRepo, cache, appLogger, m)

	verifier := signing.NewVerifier(cfg.Webhook.SigningKey)
	webhookH := webhookHandler.NewHandler(cfg.Webhook, verifier, eventRepo, webhookHandler.Hooks{}, appLogger, m)
	opsH := messageHandler.NewHandler(dispatcher, resubmitter, eventRepo, submissionRepo, taskRepo, client)
	healthH := healthHandler.NewHandler(db)

	r := router.NewRouter(webhookH, opsH, healthH, cfg.Ops)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLogger.ZL.Info().Int("port", cfg.Server.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.ZL.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.ZL.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.ZL.Fatal().Err(err).Msg("server forced to shutdown")
	}

	appLogger.ZL.Info().Msg("server exited properly")
}
