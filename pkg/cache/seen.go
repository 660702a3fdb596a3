package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL bounds the lifetime of a seen set left behind by a crashed
// harvest.
const DefaultSeenTTL = 24 * time.Hour

// SeenSet is a Redis set of item identities.
type SeenSet struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewSeenSet creates a seen set stored under key. A ttl <= 0 selects
// DefaultSeenTTL.
func NewSeenSet(redisClient *redis.Client, key string, ttl time.Duration) *SeenSet {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenSet{
		redis: redisClient,
		key:   key,
		ttl:   ttl,
	}
}

// Key returns the Redis key of the set.
func (s *SeenSet) Key() string {
	return s.key
}

// Contains reports whether id was added.
func (s *SeenSet) Contains(ctx context.Context, id string) (bool, error) {
	SeenSetOperations.WithLabelValues("contains").Inc()

	ok, err := s.redis.SIsMember(ctx, s.key, id).Result()
	if err != nil {
		CacheErrors.WithLabelValues("seen_contains").Inc()
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Add records id and refreshes the expiry of the set.
func (s *SeenSet) Add(ctx context.Context, id string) error {
	SeenSetOperations.WithLabelValues("add").Inc()

	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, s.key, id)
	pipe.Expire(ctx, s.key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("seen_add").Inc()
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Len returns the number of identities in the set.
func (s *SeenSet) Len(ctx context.Context) (int, error) {
	SeenSetOperations.WithLabelValues("len").Inc()

	n, err := s.redis.SCard(ctx, s.key).Result()
	if err != nil {
		CacheErrors.WithLabelValues("seen_len").Inc()
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return int(n), nil
}

// Clear removes every identity.
func (s *SeenSet) Clear(ctx context.Context) error {
	SeenSetOperations.WithLabelValues("clear").Inc()

	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		CacheErrors.WithLabelValues("seen_clear").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
