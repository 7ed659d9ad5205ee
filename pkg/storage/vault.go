package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

// ErrTokenNotFound is returned when a vault token has no stored value,
// either because it never existed or because it expired.
var ErrTokenNotFound = errors.New("vault token not found")

const vaultKeyPrefix = "aegis:vault:"

// TokenVault manages the mapping behind tokenize-masked spans.
type TokenVault interface {
	// Record stores the original value behind a token.
	Record(ctx context.Context, token, value string) error
	// Reveal retrieves the original value for a token.
	Reveal(ctx context.Context, token string) (string, error)
}

// RedisTokenVault keeps token mappings in the shared store with an expiry, so
// detokenization works from any instance but mappings do not live forever.
type RedisTokenVault struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenVault builds a vault. A zero ttl keeps mappings for 7 days.
func NewRedisTokenVault(client *redis.Client, ttl time.Duration) *RedisTokenVault {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisTokenVault{client: client, ttl: ttl}
}

// Record stores the original value behind the token.
func (v *RedisTokenVault) Record(ctx context.Context, token, value string) error {
	if err := v.client.Set(ctx, vaultKeyPrefix+token, value, v.ttl).Err(); err != nil {
		return fmt.Errorf("%w: vault record: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Reveal retrieves the original value for the token.
func (v *RedisTokenVault) Reveal(ctx context.Context, token string) (string, error) {
	value, err := v.client.Get(ctx, vaultKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: vault reveal: %v", domain.ErrStoreUnavailable, err)
	}
	return value, nil
}

// MemoryTokenVault is a process-local vault for tests and single-node
// development.
type MemoryTokenVault struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryTokenVault returns an empty in-memory vault.
func NewMemoryTokenVault() *MemoryTokenVault {
	return &MemoryTokenVault{tokens: make(map[string]string)}
}

// Record stores the original value behind the token.
func (v *MemoryTokenVault) Record(_ context.Context, token, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = value
	return nil
}

// Reveal retrieves the original value for the token.
func (v *MemoryTokenVault) Reveal(_ context.Context, token string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.tokens[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	return value, nil
}
