package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

const defaultPath = "config.yaml"

type Config struct {
	App         App         `yaml:"app"`
	HTTP        HTTP        `yaml:"http"`
	Log         Log         `yaml:"log"`
	Postgres    Postgres    `yaml:"postgres"`
	Redis       Redis       `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	Worker      Worker      `yaml:"worker"`
	Idempotency Idempotency `yaml:"idempotency"`
	Retry       Retry       `yaml:"retry"`
	Processor   Processor   `yaml:"processor"`
	Telemetry   Telemetry   `yaml:"telemetry"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"event-pipeline"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"2112" validate:"required,numeric"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
}

// Postgres is optional; an empty Host disables the dead-letter archive.
type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"pipeline"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379" validate:"required,hostname_port"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0" validate:"gte=0"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"20" validate:"gte=1"`
	// DialTimeoutMS also bounds reads and writes.
	DialTimeoutMS int `yaml:"dial_timeout_ms" env:"REDIS_DIAL_TIMEOUT_MS" env-default:"5000" validate:"gte=1"`
}

func (r Redis) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

type Kafka struct {
	Brokers         []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" validate:"required,min=1,dive,required"`
	GroupID         string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"webhook-worker" validate:"required"`
	InboundTopic    string   `yaml:"inbound_topic" env:"KAFKA_INBOUND_TOPIC" env-default:"webhooks.inbound" validate:"required"`
	ProcessedTopic  string   `yaml:"processed_topic" env:"KAFKA_PROCESSED_TOPIC" env-default:"webhooks.processed" validate:"required"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" env:"KAFKA_DLQ_TOPIC" env-default:"webhooks.dlq" validate:"required"`
	// OrchestratorTopics are consumed by cmd/orchestrator with one group.
	OrchestratorTopics []string `yaml:"orchestrator_topics" env:"KAFKA_ORCHESTRATOR_TOPICS" env-default:"whatsapp.inbound,voice.calls,broker.events"`
	OrchestratorGroup  string   `yaml:"orchestrator_group_id" env:"KAFKA_ORCHESTRATOR_GROUP_ID" env-default:"broker-orchestrator"`
	StartOffset        string   `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest" validate:"oneof=earliest latest"`
}

type Worker struct {
	MaxRetries   int `yaml:"max_retries" env:"MAX_RETRIES" env-default:"3" validate:"gte=0"`
	RetryDelayMS int `yaml:"retry_delay_ms" env:"RETRY_DELAY_MS" env-default:"1000" validate:"gte=0"`
}

func (w Worker) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMS) * time.Millisecond
}

type Idempotency struct {
	Namespace  string `yaml:"namespace" env:"IDEMPOTENCY_NAMESPACE" env-default:"idemp" validate:"required"`
	TTLSeconds int    `yaml:"ttl_seconds" env:"IDEMPOTENCY_TTL_SECONDS" env-default:"86400" validate:"gt=0"`
	// OrchestratorNamespace keys the orchestrator's records apart from the worker's.
	OrchestratorNamespace string `yaml:"orchestrator_namespace" env:"IDEMPOTENCY_ORCHESTRATOR_NAMESPACE" env-default:"broker-orch" validate:"required"`
}

func (i Idempotency) TTL() time.Duration {
	return time.Duration(i.TTLSeconds) * time.Second
}

type Retry struct {
	Attempts          int     `yaml:"attempts" env:"RETRY_ATTEMPTS" env-default:"3" validate:"gte=0"`
	BackoffMS         int     `yaml:"backoff_ms" env:"RETRY_BACKOFF_MS" env-default:"250" validate:"gte=0"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"RETRY_BACKOFF_MULTIPLIER" env-default:"2" validate:"gt=0"`
	JitterMS          int     `yaml:"jitter_ms" env:"RETRY_JITTER_MS" env-default:"100" validate:"gte=0"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms" env:"RETRY_MAX_BACKOFF_MS" env-default:"10000" validate:"gte=0"`
}

type Processor struct {
	// Endpoint receives each inbound envelope body. Required by cmd/worker.
	Endpoint  string `yaml:"endpoint" env:"PROCESSOR_ENDPOINT" validate:"omitempty,url"`
	TimeoutMS int    `yaml:"timeout_ms" env:"PROCESSOR_TIMEOUT_MS" env-default:"10000" validate:"gt=0"`
	// Routes maps orchestrator topics to downstream endpoints, e.g. "whatsapp.inbound:http://chat/hook".
	Routes map[string]string `yaml:"routes" env:"PROCESSOR_ROUTES" validate:"dive,url"`
}

func (p Processor) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

type Telemetry struct {
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"event-pipeline"`
	// TracingURL is the OTLP/HTTP collector endpoint; tracing is off when empty.
	TracingURL string `yaml:"tracing_url" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func New() (*Config, error) {
	return Load(defaultPath)
}

// Load reads path when it exists, then applies env overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, statErr := os.Stat(path); statErr == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps Log.Level onto slog levels.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
