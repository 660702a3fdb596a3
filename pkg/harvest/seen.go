package harvest

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/istex-harvester/pkg/cache"
)

// SeenSet records the identities a partition already delivered. A seen set
// is used by one partition task at a time.
type SeenSet interface {
	Contains(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// SeenSetFactory returns the seen set of a partition for a harvest run.
type SeenSetFactory func(runID string, p Partition) SeenSet

// MemorySeenSets keeps seen sets in process memory.
func MemorySeenSets() SeenSetFactory {
	return func(runID string, p Partition) SeenSet {
		return make(memorySeenSet)
	}
}

// RedisSeenSets keeps seen sets in Redis, namespaced by run ID.
func RedisSeenSets(client *redis.Client, cfg Config) SeenSetFactory {
	return func(runID string, p Partition) SeenSet {
		return cache.NewSeenSet(client, cache.SeenKey(runID, strconv.Itoa(p.Index)), cfg.SeenTTL)
	}
}

type memorySeenSet map[string]struct{}

func (s memorySeenSet) Contains(ctx context.Context, id string) (bool, error) {
	_, ok := s[id]
	return ok, nil
}

func (s memorySeenSet) Add(ctx context.Context, id string) error {
	s[id] = struct{}{}
	return nil
}

func (s memorySeenSet) Clear(ctx context.Context) error {
	clear(s)
	return nil
}
