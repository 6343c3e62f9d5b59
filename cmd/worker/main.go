package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"guestpost-automation/internal/app"
	"guestpost-automation/internal/config"
	"guestpost-automation/internal/lifecycle"
	"guestpost-automation/internal/logging"
	"guestpost-automation/internal/telemetry"
	"guestpost-automation/internal/worker"
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
	logger = logger.With(zap.String("service", "worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("worker.store_failed", zap.Error(err))
	}
	defer st.Close()

	orch, err := app.Pipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("worker.pipeline_failed", zap.Error(err))
	}
	machine := lifecycle.New(st, cfg.MaxAttempts, logger.Named("lifecycle"))

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker.metrics_stopped", zap.Error(err))
		}
	}()

	baseID := os.Getenv("WORKER_ID")
	if baseID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		baseID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		sched := worker.NewScheduler(st, orch, machine, worker.Options{
			WorkerID:     fmt.Sprintf("%s-%d", baseID, i),
			PollInterval: cfg.WorkerPollInterval,
		}, logger.Named("scheduler"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil {
				logger.Error("worker.loop_failed", zap.Error(err))
			}
		}()
	}
	logger.Info("worker.running", zap.Int("concurrency", cfg.WorkerConcurrency), zap.Duration("poll_interval", cfg.WorkerPollInterval))

	<-ctx.Done()
	logger.Info("worker.draining")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
