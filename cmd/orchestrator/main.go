package main

import (
	"context"
	"encoding/json"
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
	"github.com/ikanisa/easymo-sub022/internal/orchestrator"
	"github.com/ikanisa/easymo-sub022/internal/processor"
	"github.com/ikanisa/easymo-sub022/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	// headerIdempotencyKey lets downstream handlers deduplicate on their side too.
	headerIdempotencyKey = "x-idempotency-key"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})).
		With("service", cfg.App.Name, "version", cfg.App.Version)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator exited")
}

func run(cfg *config.Config, logger *slog.Logger) error {
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

	infraFactory := infrastructure.NewFactory(cfg, logger)
	defer infraFactory.Close()

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		return err
	}
	store, err := infraFactory.IdempotencyStore(ctx, cfg.Idempotency.OrchestratorNamespace)
	if err != nil {
		return err
	}

	handlers := make(map[string]orchestrator.HandlerFunc, len(cfg.Kafka.OrchestratorTopics))
	for _, topic := range cfg.Kafka.OrchestratorTopics {
		endpoint, ok := cfg.Processor.Routes[topic]
		if !ok {
			logger.Warn("no processor route for topic, its events will be acknowledged unhandled", "topic", topic)
			continue
		}
		handlers[topic] = forwardTo(processor.NewHTTPForwarder(processor.Config{
			Endpoint: endpoint,
			Timeout:  cfg.Processor.Timeout(),
			Retry:    infraFactory.RetryPolicy(),
		}, logger))
	}
	if len(handlers) == 0 {
		return errors.New("no orchestrator topic has a processor route")
	}

	o := orchestrator.New(
		infraFactory.Consumer(cfg.Kafka.OrchestratorGroup, cfg.Kafka.OrchestratorTopics...),
		store,
		handlers,
		logger,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(o.Collectors()...)

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           api.NewRouter(api.NewHandlers(checks, nil, store, nil), registry, nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", "error", err)
		}
	}()

	runErr := o.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down ops server", "error", err)
	}
	shutdownTracing(shutdownCtx)

	return runErr
}

func forwardTo(f *processor.HTTPForwarder) orchestrator.HandlerFunc {
	return func(ctx context.Context, ev orchestrator.Event) (json.RawMessage, error) {
		headers := make(map[string]string, len(ev.Headers)+1)
		for k, v := range ev.Headers {
			headers[k] = v
		}
		headers[headerIdempotencyKey] = ev.Key
		return f.Forward(ctx, ev.Payload, headers)
	}
}
