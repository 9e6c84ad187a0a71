package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/wardrobe/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetAIStatus(ctx context.Context, ref models.SubjectRef, status models.AIStatus, ttl time.Duration) error
	SetAIStatusNX(ctx context.Context, ref models.SubjectRef, status models.AIStatus, ttl time.Duration) (bool, error)
	GetAIStatus(ctx context.Context, ref models.SubjectRef) (*models.AIStatus, bool, error)
	DeleteAIStatus(ctx context.Context, ref models.SubjectRef) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// SetAIStatus mirrors a subject's AI status so polling clients can skip the database.
func (c *RedisCache) SetAIStatus(ctx context.Context, ref models.SubjectRef, status models.AIStatus, ttl time.Duration) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode ai status: %w", err)
	}
	return c.client.Set(ctx, AIStatusKey(ref), b, ttl).Err()
}

// SetAIStatusNX stores status only if no entry exists yet and reports whether it did.
// Readers backfilling from the database use it so they never replace a newer
// status written by the dispatcher.
func (c *RedisCache) SetAIStatusNX(ctx context.Context, ref models.SubjectRef, status models.AIStatus, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(status)
	if err != nil {
		return false, fmt.Errorf("encode ai status: %w", err)
	}
	return c.client.SetNX(ctx, AIStatusKey(ref), b, ttl).Result()
}

func (c *RedisCache) GetAIStatus(ctx context.Context, ref models.SubjectRef) (*models.AIStatus, bool, error) {
	b, err := c.client.Get(ctx, AIStatusKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var status models.AIStatus
	if err := json.Unmarshal(b, &status); err != nil {
		return nil, false, fmt.Errorf("decode ai status: %w", err)
	}
	return &status, true, nil
}

func (c *RedisCache) DeleteAIStatus(ctx context.Context, ref models.SubjectRef) error {
	return c.client.Del(ctx, AIStatusKey(ref)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
