package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	"github.com/ikanisa/easymo-sub022/internal/domain/idempotency"
	redisInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/redis"
)

func newStore(t *testing.T) (*redisInfra.IdempotencyStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := redisInfra.NewIdempotencyStore(client, redisInfra.IdempotencyConfig{Namespace: "idemp"}, nil)
	return store, mr
}

func TestIdempotencyStore_CacheHit(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	calls := 0
	op := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"orderId":"o-1"}`), nil
	}

	first, err := store.Execute(ctx, "orders:wh-1", op)
	require.NoError(t, err)
	second, err := store.Execute(ctx, "orders:wh-1", op)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.JSONEq(t, string(first), string(second))

	raw, err := mr.Get("idemp:orders:wh-1")
	require.NoError(t, err)
	var rec idempotency.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
	assert.Equal(t, "orders:wh-1", rec.Key)
	assert.Empty(t, rec.Owner)
	assert.Equal(t, redisInfra.DefaultIdempotencyTTL, mr.TTL("idemp:orders:wh-1"))
}

func TestIdempotencyStore_ConcurrentConflict(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = store.Execute(ctx, "calls:c-1", func(context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`"done"`), nil
		})
	}()

	<-started
	_, err := store.Execute(ctx, "calls:c-1", func(context.Context) (json.RawMessage, error) {
		t.Fatal("second operation must not run")
		return nil, nil
	})
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	var conflict *errs.IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "calls:c-1", conflict.Key)
}

func TestIdempotencyStore_FailureReleasesLock(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := store.Execute(ctx, "k", func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("idemp:k"))

	resp, err := store.Execute(ctx, "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`1`), resp)
}

func TestIdempotencyStore_PendingRecordFromAnotherProcess(t *testing.T) {
	store, mr := newStore(t)

	require.NoError(t, mr.Set("idemp:k", `{"key":"k","status":"pending","expiresAt":"2030-01-01T00:00:00Z","owner":"other"}`))

	_, err := store.Execute(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		t.Fatal("operation must not run while another owner holds the lock")
		return nil, nil
	})
	require.True(t, errs.IsConflict(err))
}

func TestIdempotencyStore_FailureDoesNotDeleteForeignLock(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	_, err := store.Execute(ctx, "k", func(context.Context) (json.RawMessage, error) {
		// Simulate our lock expiring and another process taking the key.
		mr.Del("idemp:k")
		require.NoError(t, mr.Set("idemp:k", `{"key":"k","status":"pending","expiresAt":"2030-01-01T00:00:00Z","owner":"other"}`))
		return nil, errors.New("failed late")
	})
	require.Error(t, err)
	require.True(t, mr.Exists("idemp:k"))
}

func TestIdempotencyStore_PendingLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := redisInfra.NewIdempotencyStore(client, redisInfra.IdempotencyConfig{Namespace: "broker-orch", TTL: time.Minute}, nil)

	require.NoError(t, mr.Set("broker-orch:k", `{"key":"k","status":"pending","expiresAt":"2030-01-01T00:00:00Z"}`))
	mr.SetTTL("broker-orch:k", time.Minute)

	_, err := store.Execute(context.Background(), "k", func(context.Context) (json.RawMessage, error) { return nil, nil })
	require.True(t, errs.IsConflict(err))

	mr.FastForward(2 * time.Minute)

	_, err = store.Execute(context.Background(), "k", func(context.Context) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("broker-orch:k"))
}

func TestIdempotencyStore_Get(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, rec)

	_, err = store.Execute(ctx, "present", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)

	rec, err = store.Get(ctx, "present")
	require.NoError(t, err)
	require.True(t, rec.Completed())
	require.JSONEq(t, `{"ok":true}`, string(rec.Response))

	require.NoError(t, mr.Set("idemp:corrupt", "not-json"))
	_, err = store.Get(ctx, "corrupt")
	require.Error(t, err)
}
