package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	"github.com/ikanisa/easymo-sub022/internal/domain/idempotency"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour
	cleanupTimeout        = 5 * time.Second
)

// releaseScript deletes the key only while it still holds our pending record.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Operation is the unit of work guarded by the store. Its response is cached on success.
type Operation func(ctx context.Context) (json.RawMessage, error)

type IdempotencyConfig struct {
	Namespace string
	TTL       time.Duration
}

// IdempotencyStore deduplicates operations by key using create-if-absent writes.
// Locking is fail-fast: a second caller on a pending key gets IdempotencyConflictError.
type IdempotencyStore struct {
	client    redis.Cmdable
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewIdempotencyStore(client redis.Cmdable, cfg IdempotencyConfig, logger *slog.Logger) *IdempotencyStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyStore{
		client:    client,
		namespace: cfg.Namespace,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs op at most once to completion for key.
// A completed key returns its cached response without calling op.
// When op fails the record is removed so a later attempt can take the key again.
func (s *IdempotencyStore) Execute(ctx context.Context, key string, op Operation) (json.RawMessage, error) {
	storeKey := s.storeKey(key)

	rec, err := s.load(ctx, storeKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if rec.Completed() {
			return rec.Response, nil
		}
		return nil, &errs.IdempotencyConflictError{Key: key}
	}

	pending, err := json.Marshal(idempotency.Record{
		Key:       key,
		Status:    idempotency.StatusPending,
		ExpiresAt: s.now().Add(s.ttl).UTC(),
		Owner:     uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal pending record: %w", err)
	}

	acquired, err := s.client.SetNX(ctx, storeKey, pending, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if !acquired {
		// Lost the race; the winner may already be done.
		rec, err := s.load(ctx, storeKey)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Completed() {
			return rec.Response, nil
		}
		return nil, &errs.IdempotencyConflictError{Key: key}
	}

	resp, opErr := op(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if opErr != nil {
		if err := releaseScript.Run(cleanupCtx, s.client, []string{storeKey}, pending).Err(); err != nil {
			s.logger.Error("failed to release idempotency lock", "key", storeKey, "error", err)
		}
		return nil, opErr
	}

	if err := s.complete(cleanupCtx, storeKey, key, resp); err != nil {
		// The side effect already happened; the pending lock stays until TTL expiry.
		s.logger.Error("failed to complete idempotency record", "key", storeKey, "error", err)
	}

	return resp, nil
}

// Get returns the record stored for key, or nil when there is none.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	return s.load(ctx, s.storeKey(key))
}

func (s *IdempotencyStore) complete(ctx context.Context, storeKey, key string, resp json.RawMessage) error {
	data, err := json.Marshal(idempotency.Record{
		Key:       key,
		Status:    idempotency.StatusCompleted,
		Response:  resp,
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal completed record: %w", err)
	}
	if err := s.client.Set(ctx, storeKey, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set completed record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) load(ctx context.Context, storeKey string) (*idempotency.Record, error) {
	raw, err := s.client.Get(ctx, storeKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", storeKey, err)
	}
	return &rec, nil
}

func (s *IdempotencyStore) storeKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}
