package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	rdb redis.UniversalClient
}

// NewGoRedisClient wraps rdb.
func NewGoRedisClient(rdb redis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{rdb: rdb}
}

func (c *GoRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *GoRedisClient) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.RPush(ctx, key, args...).Err()
}

func (c *GoRedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

func (c *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Close closes the underlying client.
func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}
