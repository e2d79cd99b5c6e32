package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	"github.com/ikanisa/easymo-sub022/internal/domain/event"
	kafkaInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/kafka"
	redisInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/redis"
	"github.com/ikanisa/easymo-sub022/internal/retry"
)

// logEvery is how many terminal outcomes pass between aggregate metric logs.
const logEvery = 100

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Processor is the business handler. It owns the envelope body.
type Processor interface {
	Process(ctx context.Context, env *event.Envelope) error
}

type ProcessorFunc func(ctx context.Context, env *event.Envelope) error

func (f ProcessorFunc) Process(ctx context.Context, env *event.Envelope) error {
	return f(ctx, env)
}

type Deduplicator interface {
	Execute(ctx context.Context, key string, op redisInfra.Operation) (json.RawMessage, error)
}

type Archiver interface {
	Archive(ctx context.Context, topic string, rec event.DeadLetterRecord) (bool, error)
}

type Config struct {
	InboundTopic    string
	ProcessedTopic  string
	DeadLetterTopic string
	MaxRetries      int
	// RetryDelay is the base of the exponential delay owed by a retried event.
	RetryDelay time.Duration
	// PublishRetry guards routing publishes. A zero policy gets three attempts.
	PublishRetry retry.Policy
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithArchive stores every dead letter in addition to publishing it.
func WithArchive(a Archiver) Option {
	return func(w *Worker) { w.archive = a }
}

type Worker struct {
	cfg       Config
	reader    Reader
	publisher Publisher
	processor Processor
	store     Deduplicator
	archive   Archiver
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	// unpublished maps completed keys whose processed record failed to publish
	// to the processing time they took.
	unpublished sync.Map

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	dispatchOpts []kafkaInfra.DispatchOption
}

func New(cfg Config, reader Reader, publisher Publisher, processor Processor, store Deduplicator, opts ...Option) *Worker {
	if cfg.PublishRetry.Attempts <= 0 {
		cfg.PublishRetry = retry.NewPolicy(3)
	}

	w := &Worker{
		cfg:       cfg,
		reader:    reader,
		publisher: publisher,
		processor: processor,
		store:     store,
		metrics:   NewMetrics(cfg.InboundTopic),
		logger:    slog.Default(),
		tracer:    otel.Tracer("event-pipeline/worker"),
		now:       time.Now,
		sleep:     retry.Sleep,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "topic", cfg.InboundTopic)

	return w
}

func (w *Worker) Metrics() *Metrics {
	return w.metrics
}

// Run consumes the inbound topic until ctx is cancelled, then waits for in-flight events.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "max_retries", w.cfg.MaxRetries, "retry_delay", w.cfg.RetryDelay)

	err := kafkaInfra.Dispatch(ctx, w.reader, w.handle, w.logger, w.dispatchOpts...)

	s := w.metrics.Snapshot()
	w.logger.Info("worker stopped",
		"processed", s.Processed, "failed", s.Failed, "retried", s.Retried,
		"dead_lettered", s.DeadLettered, "duplicates", s.Duplicates)
	return err
}

// handle returns nil once msg is committed. An error leaves the offset
// uncommitted and the message is redelivered to handle.
func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	env, err := event.ParseEnvelope(msg.Value)
	if err != nil {
		// The envelope cannot be rebuilt for a retry, so this one rides on redelivery.
		parseErr := &errs.EnvelopeParseError{Topic: msg.Topic, Offset: msg.Offset, Err: err}
		w.logger.Error("failed to parse envelope, offset not committed",
			"partition", msg.Partition, "offset", msg.Offset, "error", parseErr)
		return parseErr
	}

	transport := kafkaInfra.HeaderMap(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(transport))
	ctx, span := w.tracer.Start(ctx, "HandleEvent",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", env.ID),
			attribute.Int("event.retry_count", env.RetryCount),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	correlationID := transport[event.HeaderCorrelationID]
	if correlationID == "" {
		correlationID = env.CorrelationID()
	}
	logger := w.logger.With(
		"event_id", env.ID,
		"correlation_id", correlationID,
		"retry_count", env.RetryCount,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)

	if err := w.route(ctx, env, correlationID, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("failed to route event, offset not committed", "error", err)
		return err
	}

	// A failed commit is covered by the next commit on this partition.
	if err := w.reader.CommitMessages(ctx, msg); err != nil {
		logger.Error("failed to commit kafka message", "error", err)
	}
	return nil
}

// route runs the event under its idempotency key and publishes the outcome.
// A nil return means the offset may be committed.
func (w *Worker) route(ctx context.Context, env *event.Envelope, correlationID string, logger *slog.Logger) error {
	key := w.cfg.InboundTopic + ":" + env.ID

	var (
		ran  bool
		took time.Duration
	)
	resp, err := w.store.Execute(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		ran = true
		if env.RetryCount > 0 {
			delay := retry.Delay(w.cfg.RetryDelay, 2, env.RetryCount-1, 0)
			logger.Debug("waiting before retry", "delay", delay)
			if err := w.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		started := w.now()
		if err := w.processor.Process(ctx, env); err != nil {
			return nil, err
		}
		took = w.now().Sub(started)

		return json.Marshal(event.NewProcessedRecord(env.ID, took, w.now()))
	})

	switch {
	case err != nil && !ran:
		if errs.IsConflict(err) {
			logger.Warn("event is already being handled, acknowledging", "key", key)
			return nil
		}
		return fmt.Errorf("idempotency store: %w", err)

	case err != nil:
		return w.fail(ctx, env, correlationID, err, logger)

	case !ran:
		owed, ok := w.unpublished.Load(key)
		if !ok {
			w.metrics.observeDuplicate()
			logger.Info("event already processed, acknowledging", "key", key)
			return nil
		}
		took = owed.(time.Duration)
	}

	headers := map[string]string{event.HeaderCorrelationID: correlationID}
	if err := w.publish(ctx, w.cfg.ProcessedTopic, env.ID, resp, headers); err != nil {
		// The key is completed now, so the redelivery only has to publish.
		w.unpublished.Store(key, took)
		return fmt.Errorf("publish processed record: %w", err)
	}
	if !ran {
		w.unpublished.Delete(key)
		logger.Warn("processed record re-emitted for a completed key", "key", key)
	}

	w.logAggregate(w.metrics.observeSuccess(took))
	logger.Info("event processed", "duration_ms", took.Milliseconds())
	return nil
}

func (w *Worker) fail(ctx context.Context, env *event.Envelope, correlationID string, cause error, logger *slog.Logger) error {
	if env.RetryCount < w.cfg.MaxRetries {
		next := env.NextRetry()
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal retry envelope: %w", err)
		}
		headers := map[string]string{
			event.HeaderCorrelationID: correlationID,
			event.HeaderRetryCount:    strconv.Itoa(next.RetryCount),
		}
		if err := w.publish(ctx, w.cfg.InboundTopic, env.ID, payload, headers); err != nil {
			return fmt.Errorf("republish for retry: %w", err)
		}

		w.metrics.observeRetry()
		logger.Warn("processing failed, retry scheduled", "next_retry_count", next.RetryCount, "error", cause)
		return nil
	}

	rec := event.NewDeadLetterRecord(env, cause, w.now())
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	headers := map[string]string{
		event.HeaderCorrelationID: correlationID,
		event.HeaderRetryCount:    strconv.Itoa(env.RetryCount),
		event.HeaderDLQReason:     rec.Error,
	}
	if err := w.publish(ctx, w.cfg.DeadLetterTopic, env.ID, payload, headers); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	w.logAggregate(w.metrics.observeDeadLetter())
	logger.Error("event dead-lettered", "error", cause)

	if w.archive != nil {
		if _, err := w.archive.Archive(ctx, w.cfg.DeadLetterTopic, rec); err != nil {
			logger.Error("failed to archive dead letter", "error", err)
		}
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	policy := w.cfg.PublishRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.logger.Warn("publish failed, retrying", "target_topic", topic, "attempt", attempt, "delay", delay, "error", err)
	}
	return policy.Execute(ctx, func(ctx context.Context) error {
		return w.publisher.Publish(ctx, topic, []byte(key), value, headers)
	})
}

func (w *Worker) logAggregate(terminal int64) {
	if terminal%logEvery != 0 {
		return
	}
	s := w.metrics.Snapshot()
	w.logger.Info("worker metrics",
		"processed", s.Processed,
		"failed", s.Failed,
		"retried", s.Retried,
		"dead_lettered", s.DeadLettered,
		"duplicates", s.Duplicates,
		"success_rate", s.SuccessRate,
	)
}
