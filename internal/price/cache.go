package price

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
	redisclient "github.com/dustfold/sweeper/internal/infra/redis"
)

// Cache stores validated prices with a bounded TTL. The store itself
// serializes concurrent get/set, so resolvers need no in-process lock.
type Cache interface {
	Get(ctx context.Context, token string, chain domain.Chain) (*domain.ValidatedPrice, bool, error)
	Set(ctx context.Context, p *domain.ValidatedPrice, ttl time.Duration) error
}

func cacheKey(token string, chain domain.Chain) string {
	return fmt.Sprintf("price:%s:%s", chain, token)
}

// RedisCache implements Cache on the shared redis client.
type RedisCache struct {
	client *redisclient.Client
}

// NewRedisCache creates a redis-backed price cache.
func NewRedisCache(client *redisclient.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, token string, chain domain.Chain) (*domain.ValidatedPrice, bool, error) {
	val, found, err := c.client.Get(ctx, cacheKey(token, chain))
	if err != nil || !found {
		return nil, false, err
	}
	var p domain.ValidatedPrice
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		// Treat a corrupt entry as a miss; it will be overwritten.
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p *domain.ValidatedPrice, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	return c.client.SetTTL(ctx, cacheKey(p.Token, p.Chain), string(data), ttl)
}
