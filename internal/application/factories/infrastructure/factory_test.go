package infrastructure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikanisa/easymo-sub022/internal/config"
)

func TestFactory_RetryPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{Retry: config.Retry{
		Attempts:          4,
		BackoffMS:         250,
		BackoffMultiplier: 2,
		JitterMS:          100,
		MaxBackoffMS:      10000,
	}}

	p := NewFactory(cfg, nil).RetryPolicy()

	assert.Equal(t, 4, p.Attempts)
	assert.Equal(t, 250*time.Millisecond, p.Backoff)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 100*time.Millisecond, p.Jitter)
	assert.Equal(t, 10*time.Second, p.MaxBackoff)
}

func TestFactory_IdempotencyStoreSharesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Redis:       config.Redis{Addr: mr.Addr()},
		Idempotency: config.Idempotency{TTLSeconds: 60},
	}
	f := NewFactory(cfg, nil)
	defer f.Close()

	ctx := context.Background()
	store, err := f.IdempotencyStore(ctx, "broker-orch")
	require.NoError(t, err)

	_, err = store.Execute(ctx, "voice.calls:c-1", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("broker-orch:voice.calls:c-1"))
	assert.Equal(t, time.Minute, mr.TTL("broker-orch:voice.calls:c-1"))

	again, err := f.Redis(ctx)
	require.NoError(t, err)
	assert.Same(t, f.redisCli, again)
}

func TestFactory_PostgresEnabled(t *testing.T) {
	assert.False(t, NewFactory(&config.Config{}, nil).PostgresEnabled())
	assert.True(t, NewFactory(&config.Config{Postgres: config.Postgres{Host: "db"}}, nil).PostgresEnabled())
}
