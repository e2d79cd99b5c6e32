package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
)

// Transport headers attached to Kafka messages.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderDLQReason     = "x-dlq-reason"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the internal message shape shared by original deliveries and retries.
// Body is owned by the processor and never inspected by the pipeline.
type Envelope struct {
	ID         string            `json:"id" validate:"required"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body" validate:"required"`
	Timestamp  string            `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	RetryCount int               `json:"retryCount" validate:"gte=0"`
}

// ParseEnvelope decodes and validates a raw transport payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(env.Body), []byte("null")) {
		env.Body = nil
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("validate envelope: %w", err)
	}
	return &env, nil
}

// CorrelationID returns the propagated correlation id, defaulting to the event id.
func (e *Envelope) CorrelationID() string {
	if v := e.Headers[HeaderCorrelationID]; v != "" {
		return v
	}
	return e.ID
}

// NextRetry returns a copy of the envelope scheduled for its next attempt.
func (e *Envelope) NextRetry() *Envelope {
	next := *e
	next.Headers = maps.Clone(e.Headers)
	next.RetryCount = e.RetryCount + 1
	return &next
}

// ProcessedRecord is published once an envelope has been handled successfully.
type ProcessedRecord struct {
	WebhookID string    `json:"webhookId"`
	Success   bool      `json:"success"`
	Duration  int64     `json:"duration"` // milliseconds
	Timestamp time.Time `json:"timestamp"`
}

func NewProcessedRecord(id string, took time.Duration, at time.Time) ProcessedRecord {
	return ProcessedRecord{
		WebhookID: id,
		Success:   true,
		Duration:  took.Milliseconds(),
		Timestamp: at.UTC(),
	}
}

// DeadLetterRecord is the terminal record for an envelope that exhausted its retries.
type DeadLetterRecord struct {
	Envelope
	Error          string    `json:"error"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

func NewDeadLetterRecord(env *Envelope, cause error, at time.Time) DeadLetterRecord {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return DeadLetterRecord{
		Envelope:       *env,
		Error:          reason,
		DeadLetteredAt: at.UTC(),
	}
}
