package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ChangesChannel carries record-store change notifications.
	ChangesChannel = "labdrop:files:changes"

	urlKeyPrefix = "labdrop:url:"
)

// ChangeOp is the kind of record-store mutation.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is published after every committed mutation.
type Change struct {
	Op ChangeOp `json:"op"`
	ID string   `json:"id"`
}

// RedisClient wraps the Redis change feed and the access URL cache
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// PublishChange announces a committed mutation to every live query
func (rc *RedisClient) PublishChange(ctx context.Context, change Change) error {
	ctx, span := tracer.Start(ctx, "redis.publish_change",
		trace.WithAttributes(
			attribute.String("op", string(change.Op)),
			attribute.String("file_id", change.ID),
		),
	)
	defer span.End()

	data, err := json.Marshal(change)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	if err := rc.client.Publish(ctx, ChangesChannel, data).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// SubscribeChanges subscribes to the change channel and waits until Redis
// confirms the subscription, so no change published afterwards is missed.
func (rc *RedisClient) SubscribeChanges(ctx context.Context) (*redis.PubSub, error) {
	pubsub := rc.client.Subscribe(ctx, ChangesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	return pubsub, nil
}

// DecodeChange parses a change notification payload
func DecodeChange(payload string) (Change, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Change{}, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return change, nil
}

// GetAccessURL returns a cached access URL. A miss is not an error.
func (rc *RedisClient) GetAccessURL(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.get_access_url",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	u, err := rc.client.Get(ctx, urlKeyPrefix+key).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return "", false, nil
	} else if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to get from cache: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return u, true, nil
}

// SetAccessURL caches an access URL for ttl
func (rc *RedisClient) SetAccessURL(ctx context.Context, key, u string, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "redis.set_access_url",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	if err := rc.client.Set(ctx, urlKeyPrefix+key, u, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// InvalidateAccessURL drops a cached access URL
func (rc *RedisClient) InvalidateAccessURL(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_access_url",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, urlKeyPrefix+key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}
