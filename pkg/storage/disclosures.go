package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

const disclosureKeyPrefix = "aegis:disc:"

// RedisDisclosures tracks disclosed entities per workspace context in the
// shared store, so every instance sees the same disclosure history.
type RedisDisclosures struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDisclosures builds a disclosure store. A zero ttl keeps contexts
// for 24 hours.
func NewRedisDisclosures(client *redis.Client, ttl time.Duration) *RedisDisclosures {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDisclosures{client: client, ttl: ttl}
}

// Seen reports whether the entity was already disclosed in the context.
func (s *RedisDisclosures) Seen(ctx context.Context, contextID, entity string) (bool, error) {
	seen, err := s.client.SIsMember(ctx, disclosureKeyPrefix+contextID, entity).Result()
	if err != nil {
		return false, fmt.Errorf("%w: disclosure lookup: %v", domain.ErrStoreUnavailable, err)
	}
	return seen, nil
}

// Record marks the entities as disclosed and refreshes the context expiry.
func (s *RedisDisclosures) Record(ctx context.Context, contextID string, entities []string) error {
	if len(entities) == 0 {
		return nil
	}
	members := make([]any, len(entities))
	for i, entity := range entities {
		members[i] = entity
	}
	key := disclosureKeyPrefix + contextID
	if err := s.client.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("%w: disclosure record: %v", domain.ErrStoreUnavailable, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: disclosure expire: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// MemoryDisclosures is a process-local disclosure store for tests and
// single-node development.
type MemoryDisclosures struct {
	mu       sync.RWMutex
	contexts map[string]map[string]struct{}
}

// NewMemoryDisclosures returns an empty in-memory store.
func NewMemoryDisclosures() *MemoryDisclosures {
	return &MemoryDisclosures{contexts: make(map[string]map[string]struct{})}
}

// Seen reports whether the entity was recorded for the context.
func (s *MemoryDisclosures) Seen(_ context.Context, contextID, entity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entities, ok := s.contexts[contextID]
	if !ok {
		return false, nil
	}
	_, seen := entities[entity]
	return seen, nil
}

// Record marks the entities as disclosed for the context.
func (s *MemoryDisclosures) Record(_ context.Context, contextID string, entities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.contexts[contextID]
	if !ok {
		set = make(map[string]struct{})
		s.contexts[contextID] = set
	}
	for _, entity := range entities {
		set[entity] = struct{}{}
	}
	return nil
}
