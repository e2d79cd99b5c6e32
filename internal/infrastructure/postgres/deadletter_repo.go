package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ikanisa/easymo-sub022/internal/domain/event"
)

// Resolution states of an archived dead letter.
const (
	ResolutionPending     = "pending"
	ResolutionReprocessed = "reprocessed"
	ResolutionDiscarded   = "discarded"
)

const schema = `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id                UUID PRIMARY KEY,
		topic             TEXT        NOT NULL,
		event_id          TEXT        NOT NULL,
		correlation_id    TEXT,
		payload           JSONB       NOT NULL,
		error             TEXT        NOT NULL,
		retry_count       INT         NOT NULL,
		resolution_status TEXT        NOT NULL DEFAULT 'pending',
		dead_lettered_at  TIMESTAMPTZ NOT NULL,
		resolved_at       TIMESTAMPTZ,
		UNIQUE (topic, event_id)
	)
`

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type DeadLetter struct {
	ID               uuid.UUID       `json:"id"`
	Topic            string          `json:"topic"`
	EventID          string          `json:"eventId"`
	CorrelationID    *string         `json:"correlationId,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Error            string          `json:"error"`
	RetryCount       int             `json:"retryCount"`
	ResolutionStatus string          `json:"resolutionStatus"`
	DeadLetteredAt   time.Time       `json:"deadLetteredAt"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
}

type DeadLetterRepository struct {
	db DB
}

func NewDeadLetterRepository(db DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create dead_letters table: %w", err)
	}
	return nil
}

// Archive stores a dead-letter record. It returns false if the event was already archived for topic.
func (r *DeadLetterRepository) Archive(ctx context.Context, topic string, rec event.DeadLetterRecord) (bool, error) {
	const query = `
		INSERT INTO dead_letters (id, topic, event_id, correlation_id, payload, error, retry_count, resolution_status, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (topic, event_id) DO NOTHING
	`

	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal dead letter: %w", err)
	}

	tag, err := r.db.Exec(ctx, query,
		uuid.New(), topic, rec.ID, nullIfEmpty(rec.CorrelationID()), payload, rec.Error, rec.RetryCount, ResolutionPending, rec.DeadLetteredAt)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListPending returns unresolved dead letters, oldest first.
func (r *DeadLetterRepository) ListPending(ctx context.Context, limit int) ([]*DeadLetter, error) {
	const query = `
		SELECT id, topic, event_id, correlation_id, payload, error, retry_count, resolution_status, dead_lettered_at, resolved_at
		FROM dead_letters
		WHERE resolution_status = $1
		ORDER BY dead_lettered_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, ResolutionPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d := &DeadLetter{}
		if err := rows.Scan(&d.ID, &d.Topic, &d.EventID, &d.CorrelationID, &d.Payload, &d.Error,
			&d.RetryCount, &d.ResolutionStatus, &d.DeadLetteredAt, &d.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return out, nil
}

// Resolve moves a pending dead letter to a terminal resolution status.
func (r *DeadLetterRepository) Resolve(ctx context.Context, id uuid.UUID, status string) error {
	if status != ResolutionReprocessed && status != ResolutionDiscarded {
		return fmt.Errorf("invalid resolution status %q", status)
	}

	const query = `
		UPDATE dead_letters
		SET resolution_status = $1, resolved_at = NOW()
		WHERE id = $2 AND resolution_status = $3
	`

	tag, err := r.db.Exec(ctx, query, status, id, ResolutionPending)
	if err != nil {
		return fmt.Errorf("update dead letter %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s not found or already resolved", id)
	}

	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
