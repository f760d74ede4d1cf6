package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisStore instance
func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := NewRedisStore(client, ttl)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return store, mr, cleanup
}

func TestRedisGet_Success(t *testing.T) {
	store, mr, cleanup := setupTestRedis(t, 0)
	defer cleanup()

	require.NoError(t, mr.Set(KeyCart, `{"version":1}`))

	data, err := store.Get(context.Background(), KeyCart)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))
}

func TestRedisGet_Missing(t *testing.T) {
	store, _, cleanup := setupTestRedis(t, 0)
	defer cleanup()

	data, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, data)
}

func TestRedisSet_NoTTL(t *testing.T) {
	store, mr, cleanup := setupTestRedis(t, 0)
	defer cleanup()

	require.NoError(t, store.Set(context.Background(), KeyCredentials, []byte(`{"access_token":"a"}`)))

	stored, err := mr.Get(KeyCredentials)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"a"}`, stored)
	assert.Equal(t, time.Duration(0), mr.TTL(KeyCredentials))
}

func TestRedisSet_WithTTL(t *testing.T) {
	store, mr, cleanup := setupTestRedis(t, 24*time.Hour)
	defer cleanup()

	require.NoError(t, store.Set(context.Background(), KeyCart, []byte(`{}`)))
	assert.Equal(t, 24*time.Hour, mr.TTL(KeyCart))
}

func TestRedisDelete(t *testing.T) {
	store, mr, cleanup := setupTestRedis(t, 0)
	defer cleanup()

	require.NoError(t, mr.Set(KeyCart, "{}"))
	require.NoError(t, store.Delete(context.Background(), KeyCart))
	assert.False(t, mr.Exists(KeyCart))

	// Deleting non-existent key should not error
	assert.NoError(t, store.Delete(context.Background(), KeyCart))
}

func TestRedisGet_ServerDown(t *testing.T) {
	store, mr, cleanup := setupTestRedis(t, 0)
	defer cleanup()
	mr.Close()

	_, err := store.Get(context.Background(), KeyCart)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "redis get failed")
}
