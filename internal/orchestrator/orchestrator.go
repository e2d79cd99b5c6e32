package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	kafkaInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/kafka"
	redisInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/redis"
)

// Outcome labels of the events counter.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeConflict     = "conflict"
	OutcomeFailed       = "failed"
	OutcomeUnknownTopic = "unknown_topic"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Deduplicator interface {
	Execute(ctx context.Context, key string, op redisInfra.Operation) (json.RawMessage, error)
}

// Event is what a handler receives for one message.
type Event struct {
	Topic   string
	Key     string
	Payload json.RawMessage
	Headers map[string]string
}

// HandlerFunc handles the events of one topic. It should absorb transient failures
// itself; a returned error gets the message redelivered.
type HandlerFunc func(ctx context.Context, ev Event) (json.RawMessage, error)

type Orchestrator struct {
	reader   Reader
	store    Deduplicator
	handlers map[string]HandlerFunc
	logger   *slog.Logger
	tracer   trace.Tracer
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec

	dispatchOpts []kafkaInfra.DispatchOption
}

func New(reader Reader, store Deduplicator, handlers map[string]HandlerFunc, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		reader:   reader,
		store:    store,
		handlers: handlers,
		logger:   logger.With("component", "orchestrator"),
		tracer:   otel.Tracer("event-pipeline/orchestrator"),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Orchestrated events by topic and outcome",
		}, []string{"topic", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Subsystem: "orchestrator",
			Name:      "handler_duration_seconds",
			Help:      "Time taken by topic handlers",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5},
		}, []string{"topic"}),
	}
}

// Collectors returns the metrics to register on the process registry.
func (o *Orchestrator) Collectors() []prometheus.Collector {
	return []prometheus.Collector{o.events, o.duration}
}

// Topics lists the topics that have a handler.
func (o *Orchestrator) Topics() []string {
	topics := make([]string, 0, len(o.handlers))
	for t := range o.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "topics", o.Topics())
	err := kafkaInfra.Dispatch(ctx, o.reader, o.handle, o.logger, o.dispatchOpts...)
	o.logger.Info("orchestrator stopped")
	return err
}

// handle returns nil once msg is committed. A handler failure is returned so
// the message is redelivered before anything later on its partition.
func (o *Orchestrator) handle(ctx context.Context, msg kafka.Message) error {
	logger := o.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	handler, ok := o.handlers[msg.Topic]
	if !ok {
		logger.Warn("no handler for topic, acknowledging")
		o.events.WithLabelValues(msg.Topic, OutcomeUnknownTopic).Inc()
		o.commit(ctx, msg, logger)
		return nil
	}

	headers := kafkaInfra.HeaderMap(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))

	key := DeriveKey(msg)
	logger = logger.With("key", key)

	ctx, span := o.tracer.Start(ctx, "OrchestrateEvent",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.key", key),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	ran := false
	_, err := o.store.Execute(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		ran = true
		started := time.Now()
		defer func() { o.duration.WithLabelValues(msg.Topic).Observe(time.Since(started).Seconds()) }()

		return handler(ctx, Event{Topic: msg.Topic, Key: key, Payload: msg.Value, Headers: headers})
	})

	switch {
	case err == nil && !ran:
		logger.Info("event already handled, acknowledging")
		o.events.WithLabelValues(msg.Topic, OutcomeDuplicate).Inc()
	case err == nil:
		logger.Info("event handled")
		o.events.WithLabelValues(msg.Topic, OutcomeProcessed).Inc()
	case !ran && errs.IsConflict(err):
		logger.Warn("event is already being handled, acknowledging")
		o.events.WithLabelValues(msg.Topic, OutcomeConflict).Inc()
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed to handle event, offset not committed", "error", err)
		o.events.WithLabelValues(msg.Topic, OutcomeFailed).Inc()
		return fmt.Errorf("handle %s: %w", key, err)
	}

	o.commit(ctx, msg, logger)
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, msg kafka.Message, logger *slog.Logger) {
	if err := o.reader.CommitMessages(ctx, msg); err != nil {
		logger.Error("failed to commit kafka message", "error", err)
	}
}
