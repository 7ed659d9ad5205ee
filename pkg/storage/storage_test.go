package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

func testRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewClientPingsStore(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
}

func TestNewClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), config.RedisConfig{Addr: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRedisDisclosures(t *testing.T) {
	client, mr := testRedis(t)
	store := NewRedisDisclosures(client, time.Minute)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "ws-1", "entity-a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Record(ctx, "ws-1", []string{"entity-a", "entity-b"}))

	seen, err = store.Seen(ctx, "ws-1", "entity-a")
	require.NoError(t, err)
	assert.True(t, seen)

	// Contexts are isolated.
	seen, err = store.Seen(ctx, "ws-2", "entity-a")
	require.NoError(t, err)
	assert.False(t, seen)

	// History expires with the context TTL.
	mr.FastForward(2 * time.Minute)
	seen, err = store.Seen(ctx, "ws-1", "entity-a")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisDisclosuresStoreDown(t *testing.T) {
	client, mr := testRedis(t)
	store := NewRedisDisclosures(client, time.Minute)
	mr.Close()

	_, err := store.Seen(context.Background(), "ws-1", "entity-a")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	err = store.Record(context.Background(), "ws-1", []string{"entity-a"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestMemoryDisclosures(t *testing.T) {
	store := NewMemoryDisclosures()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "ws-1", []string{"entity-a"}))

	seen, err := store.Seen(ctx, "ws-1", "entity-a")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "ws-1", "entity-b")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisTokenVault(t *testing.T) {
	client, mr := testRedis(t)
	vault := NewRedisTokenVault(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Record(ctx, "{{EMAIL_abcd1234}}", "user@example.com"))

	value, err := vault.Reveal(ctx, "{{EMAIL_abcd1234}}")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", value)

	_, err = vault.Reveal(ctx, "{{EMAIL_deadbeef}}")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	mr.FastForward(2 * time.Minute)
	_, err = vault.Reveal(ctx, "{{EMAIL_abcd1234}}")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryTokenVault(t *testing.T) {
	vault := NewMemoryTokenVault()
	ctx := context.Background()

	require.NoError(t, vault.Record(ctx, "tok", "value"))
	value, err := vault.Reveal(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	_, err = vault.Reveal(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
