package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"

	"github.com/ikanisa/easymo-sub022/internal/config"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/kafka"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/postgres"
	"github.com/ikanisa/easymo-sub022/internal/infrastructure/redis"
	"github.com/ikanisa/easymo-sub022/internal/retry"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Factory builds and owns the process's external connections.
type Factory struct {
	cfg       *config.Config
	logger    *slog.Logger
	pgPool    *pgxpool.Pool
	redisCli  *go_redis.Client
	producer  *kafka.Producer
	consumers []*kafka.Consumer
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// connectPolicy retries startup connections at a fixed pace.
func (f *Factory) connectPolicy(target string) retry.Policy {
	return retry.Policy{
		Attempts:   connectAttempts,
		Backoff:    connectBackoff,
		Multiplier: 1,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			f.logger.Warn("failed to connect, retrying", "target", target, "attempt", attempt, "max", connectAttempts, "delay", delay, "error", err)
		},
	}
}

// PostgresEnabled reports whether a dead-letter archive database is configured.
func (f *Factory) PostgresEnabled() bool {
	return f.cfg.Postgres.Host != ""
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	pool, err := retry.Do(ctx, f.connectPolicy("postgres"), func(ctx context.Context) (*pgxpool.Pool, error) {
		return postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := retry.Do(ctx, f.connectPolicy("redis"), func(ctx context.Context) (*go_redis.Client, error) {
		return redis.NewClient(ctx, redis.Config{
			Addr:        f.cfg.Redis.Addr,
			Password:    f.cfg.Redis.Password,
			DB:          f.cfg.Redis.DB,
			PoolSize:    f.cfg.Redis.PoolSize,
			DialTimeout: f.cfg.Redis.DialTimeout(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// IdempotencyStore returns a store over the shared Redis client in namespace.
func (f *Factory) IdempotencyStore(ctx context.Context, namespace string) (*redis.IdempotencyStore, error) {
	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return redis.NewIdempotencyStore(client, redis.IdempotencyConfig{
		Namespace: namespace,
		TTL:       f.cfg.Idempotency.TTL(),
	}, f.logger), nil
}

func (f *Factory) Producer() *kafka.Producer {
	if f.producer == nil {
		f.producer = kafka.NewProducer(kafka.Config{Brokers: f.cfg.Kafka.Brokers})
	}
	return f.producer
}

func (f *Factory) Consumer(groupID string, topics ...string) *kafka.Consumer {
	c := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     f.cfg.Kafka.Brokers,
		Topics:      topics,
		GroupID:     groupID,
		StartOffset: f.cfg.Kafka.StartOffset,
	})
	f.consumers = append(f.consumers, c)
	return c
}

// RetryPolicy builds the in-process retry policy from configuration.
func (f *Factory) RetryPolicy() retry.Policy {
	rc := f.cfg.Retry
	return retry.Policy{
		Attempts:   rc.Attempts,
		Backoff:    time.Duration(rc.BackoffMS) * time.Millisecond,
		Multiplier: rc.BackoffMultiplier,
		Jitter:     time.Duration(rc.JitterMS) * time.Millisecond,
		MaxBackoff: time.Duration(rc.MaxBackoffMS) * time.Millisecond,
	}
}

// Close releases connections in dependency order: readers first, the store last.
func (f *Factory) Close() {
	for _, c := range f.consumers {
		if err := c.Close(); err != nil {
			f.logger.Error("failed to close kafka consumer", "error", err)
		}
	}
	if f.producer != nil {
		if err := f.producer.Close(); err != nil {
			f.logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		if err := f.redisCli.Close(); err != nil {
			f.logger.Error("failed to close redis", "error", err)
		}
	}
}
