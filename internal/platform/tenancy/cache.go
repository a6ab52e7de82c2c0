package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const locatorKeyPrefix = "tenancy:locator:"

// RedisLocatorCache shares tenant locators between server instances.
type RedisLocatorCache struct {
	client redis.UniversalClient
}

func NewRedisLocatorCache(client redis.UniversalClient) *RedisLocatorCache {
	return &RedisLocatorCache{client: client}
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func locatorKey(id uuid.UUID) string {
	return locatorKeyPrefix + id.String()
}

func (c *RedisLocatorCache) Get(ctx context.Context, id uuid.UUID) (string, bool, error) {
	locator, err := c.client.Get(ctx, locatorKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return locator, true, nil
}

func (c *RedisLocatorCache) Set(ctx context.Context, id uuid.UUID, locator string, ttl time.Duration) error {
	return c.client.Set(ctx, locatorKey(id), locator, ttl).Err()
}

func (c *RedisLocatorCache) Delete(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, locatorKey(id)).Err()
}
