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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ikanisa/easymo-sub022/internal/api"
	"github.com/ikanisa/easymo-sub022/internal/application/factories/infrastructure"
	"github.com/ikanisa/easymo-sub022/internal/config"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/postgres"
	"github.com/ikanisa/easymo-sub022/internal/processor"
	"github.com/ikanisa/easymo-sub022/internal/telemetry"
	"github.com/ikanisa/easymo-sub022/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})).
		With("service", cfg.App.Name, "version", cfg.App.Version)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exited")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Processor.Endpoint == "" {
		return errors.New("PROCESSOR_ENDPOINT is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.App.Version,
		TracingURL:     cfg.Telemetry.TracingURL,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		return err
	}
	store, err := infraFactory.IdempotencyStore(ctx, cfg.Idempotency.Namespace)
	if err != nil {
		return err
	}

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	opts := []worker.Option{worker.WithLogger(logger)}
	var deadLetters api.DeadLetterStore

	if infraFactory.PostgresEnabled() {
		pgPool, err := infraFactory.Postgres(ctx)
		if err != nil {
			return err
		}
		repo := postgres.NewDeadLetterRepository(pgPool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, worker.WithArchive(repo))
		deadLetters = repo
		checks["postgres"] = pgPool.Ping
	}

	forwarder := processor.NewHTTPForwarder(processor.Config{
		Endpoint: cfg.Processor.Endpoint,
		Timeout:  cfg.Processor.Timeout(),
		Retry:    infraFactory.RetryPolicy(),
	}, logger)

	w := worker.New(worker.Config{
		InboundTopic:    cfg.Kafka.InboundTopic,
		ProcessedTopic:  cfg.Kafka.ProcessedTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		MaxRetries:      cfg.Worker.MaxRetries,
		RetryDelay:      cfg.Worker.RetryDelay(),
		PublishRetry:    infraFactory.RetryPolicy(),
	},
		infraFactory.Consumer(cfg.Kafka.GroupID, cfg.Kafka.InboundTopic),
		infraFactory.Producer(),
		forwarder,
		store,
		opts...,
	)

	// Ops server
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		w.Metrics(),
	)
	handlers := api.NewHandlers(checks, func() any { return w.Metrics().Snapshot() }, store, deadLetters)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(handlers, registry, store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	runErr := w.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down ops server", "error", err)
	}
	shutdownTracing(shutdownCtx)

	return runErr
}
