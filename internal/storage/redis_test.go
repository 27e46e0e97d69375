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

func setupTestRedis(t *testing.T) *RedisClient {
	t.Helper()
	rc, _ := newMiniredis(t)
	return rc
}

// newMiniredis starts an in-process Redis and connects a client to it.
func newMiniredis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisClientFrom(client), mr
}

func TestRedis_AccessURLCache(t *testing.T) {
	rc := setupTestRedis(t)
	ctx := context.Background()
	key := "test/" + time.Now().Format(time.RFC3339Nano)

	_, ok, err := rc.GetAccessURL(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.SetAccessURL(ctx, key, "http://example/x", time.Minute))
	u, ok, err := rc.GetAccessURL(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "http://example/x", u)

	require.NoError(t, rc.InvalidateAccessURL(ctx, key))
	_, ok, err = rc.GetAccessURL(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ChangeFeed(t *testing.T) {
	rc := setupTestRedis(t)
	ctx := context.Background()

	pubsub, err := rc.SubscribeChanges(ctx)
	require.NoError(t, err)
	defer pubsub.Close()

	require.NoError(t, rc.PublishChange(ctx, Change{Op: ChangeCreate, ID: "id-1"}))

	select {
	case msg := <-pubsub.Channel():
		change, err := DecodeChange(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, Change{Op: ChangeCreate, ID: "id-1"}, change)
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}
}

func TestDecodeChange_Malformed(t *testing.T) {
	_, err := DecodeChange("{")
	assert.Error(t, err)
}
