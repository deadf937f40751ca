package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Ping checks that redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, "processed:"+key).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Set(ctx, "processed:"+key, "1", ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
