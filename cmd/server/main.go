// Command server starts the job queue HTTP API together with an in-process
// scheduler and worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/adapter/handlers"
	httpserver "github.com/fairyhunter13/taskqueue/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/taskqueue/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskqueue/internal/app"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/scheduler"
	"github.com/fairyhunter13/taskqueue/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Infra: DB pool and schema
	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	// Infra: Redis queue, ledger, and dead letter sink
	rdb, err := redisq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	queue := redisq.New(rdb)
	dlq := redisq.NewDeadLetter(rdb)

	// Event fan-out to WebSocket subscribers
	hub := httpserver.NewHub(logger)
	defer hub.Close()

	// Scheduler: handler registry, worker pool, retry engine, dispatcher
	registry := handlers.NewRegistry(logger)
	resolver := scheduler.NewResolver(store, queue, hub, logger)
	retry := scheduler.NewRetryEngine(store, queue, dlq, resolver, hub, logger)
	workers := scheduler.NewPool(store, registry, cfg.MaxConcurrentJobs, logger)
	dispatcher := scheduler.NewDispatcher(cfg, store, queue, workers, resolver, retry, hub, logger)

	// Usecases
	jobSvc := usecase.NewJobService(cfg, store, queue, hub, logger)
	adminSvc := usecase.NewAdminService(cfg, store, queue, dlq, jobSvc, logger)

	// HTTP server
	srv := httpserver.NewServer(cfg, jobSvc, adminSvc, hub, store.Ping, queue.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan error, 1)
	go func() {
		schedDone <- dispatcher.Run(schedCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	schedStopped := false
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	case err := <-schedDone:
		schedStopped = true
		if err != nil {
			slog.Error("scheduler stopped", slog.Any("error", err))
		}
	}

	// Drain HTTP first so no new jobs arrive, then stop the scheduler so it
	// can requeue inflight work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stopSched()
	if !schedStopped {
		select {
		case err := <-schedDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("scheduler shutdown error", slog.Any("error", err))
			}
		case <-time.After(cfg.ShutdownTimeout):
			slog.Warn("scheduler shutdown timed out")
		}
	}
}
