// Command worker starts a standalone scheduler and worker pool process. It
// serves no API; the only HTTP surface is Prometheus metrics and health.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/taskqueue/internal/adapter/handlers"
	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/taskqueue/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/taskqueue/internal/config"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/scheduler"
)

// logBus writes lifecycle events to the process log. The worker has no
// WebSocket subscribers; the API process owns the event stream.
type logBus struct{ log *slog.Logger }

func (b logBus) Publish(e domain.Event) {
	b.log.Debug("event published",
		slog.String("type", e.Type),
		slog.String("event", e.Event),
		slog.String("job_id", e.JobID))
}

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

	rdb, err := redisq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	queue := redisq.New(rdb)
	dlq := redisq.NewDeadLetter(rdb)

	bus := logBus{log: logger}
	registry := handlers.NewRegistry(logger)
	resolver := scheduler.NewResolver(store, queue, bus, logger)
	retry := scheduler.NewRetryEngine(store, queue, dlq, resolver, bus, logger)
	workers := scheduler.NewPool(store, registry, cfg.MaxConcurrentJobs, logger)
	dispatcher := scheduler.NewDispatcher(cfg, store, queue, workers, resolver, retry, bus, logger)

	// Metrics and liveness only.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting", slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs))
	if err := dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
