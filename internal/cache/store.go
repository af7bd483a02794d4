// Package cache stores JSON-serializable values with expiry and provides
// owner-token locks. Actions use it directly and the lock middleware uses it
// to serialize work per connection.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/relay/internal/config"
)

// Sentinel errors returned by every Store.
var (
	ErrNotFound    = errors.New("cache: key not found")
	ErrLockNotHeld = errors.New("cache: lock not held by this owner")
)

// Store is a key/value cache with TTLs and advisory locks. Values are
// encoded as JSON, so Load returns the decoded form: objects come back as
// map[string]any and numbers as float64.
type Store interface {
	// Save stores value under key. A zero ttl keeps the value until it is
	// deleted.
	Save(ctx context.Context, key string, value any, ttl time.Duration) error

	// Load returns the value under key, or ErrNotFound.
	Load(ctx context.Context, key string) (any, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Lock acquires key for ttl. ok is false when another owner holds it.
	// The returned token must be passed to Unlock.
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases key if token still owns it, or returns ErrLockNotHeld.
	Unlock(ctx context.Context, key, token string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// New builds the Store selected by cfg. The returned close function
// releases the underlying client.
func New(cfg config.CacheConfig) (Store, func() error, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(cfg.KeyPrefix), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
		return NewRedisStore(client, cfg.KeyPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("cache: unsupported driver %q", cfg.Driver)
	}
}

func encode(key string, value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	return data, nil
}

func decode(key string, data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cache: unmarshal %q: %w", key, err)
	}
	return v, nil
}

func newToken() string {
	return uuid.NewString()
}
