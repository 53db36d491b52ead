package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the stage cache with Redis. TTL expiry is Redis's
// job; failures degrade to cache misses.
type RedisStore struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

func (s *RedisStore) Get(ctx context.Context, key Key, out any) bool {
	data, err := s.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Printf("get %s: %v", key.String(), err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Printf("unmarshal %s: %v", key.String(), err)
		return false
	}
	return true
}

func (s *RedisStore) Put(ctx context.Context, key Key, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Printf("marshal %s: %v", key.String(), err)
		return
	}
	if err := s.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		s.logger.Printf("set %s: %v", key.String(), err)
	}
}
