package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guestpost-automation/internal/api"
	"guestpost-automation/internal/app"
	"guestpost-automation/internal/auth"
	"guestpost-automation/internal/config"
	"guestpost-automation/internal/intake"
	"guestpost-automation/internal/lifecycle"
	"guestpost-automation/internal/logging"
	"guestpost-automation/internal/ratelimit"
	"guestpost-automation/internal/status"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", "api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("api.store_failed", zap.Error(err))
	}
	defer st.Close()

	orch, err := app.Pipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("api.pipeline_failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() {
		logger.Warn("api.auth_disabled", zap.String("reason", "JWT_SECRET is not set; admin endpoints will reject all requests"))
	}

	intakeSvc := intake.NewService(st, orch,
		intake.NewShadowForwarder(cfg.ShadowWebhookURL, logger.Named("shadow")),
		intake.Options{
			DefaultClientID:   cfg.DefaultClientID,
			EnforceSiteAccess: cfg.EnforceSiteAccess,
			DefaultAuthorID:   cfg.DefaultPostAuthorID,
			DefaultPostStatus: cfg.DefaultPostStatus,
			MaxAttempts:       cfg.MaxAttempts,
		}, logger.Named("intake"))

	server := api.New(api.Deps{
		Intake:    intakeSvc,
		Status:    status.NewService(st),
		Approvals: lifecycle.New(st, cfg.MaxAttempts, logger.Named("lifecycle")),
		Jobs:      st,
		Verifier:  verifier,
		Limiter:   limiter,
		DB:        st,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api.listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api.listen_failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("api.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api.shutdown_failed", zap.Error(err))
	}
}
