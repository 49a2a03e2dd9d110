package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// JSONCache stores JSON-encoded values under a key prefix. Lookups while the
// breaker is open are reported as misses so callers fall back to recomputing.
type JSONCache struct {
	client *goredis.Client
	cb     *CircuitBreaker
	prefix string
}

// NewJSONCache creates a cache. prefix is prepended to every key.
func NewJSONCache(client *goredis.Client, cb *CircuitBreaker, prefix string) *JSONCache {
	return &JSONCache{client: client, cb: cb, prefix: prefix}
}

// Get decodes the value at key into dst. It reports false on a miss.
func (c *JSONCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	var raw []byte
	err := c.cb.Execute(func() error {
		b, err := c.client.Get(ctx, c.prefix+key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		raw = b
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v at key for ttl. Writes while the breaker is open are skipped.
func (c *JSONCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	err = c.cb.Execute(func() error {
		return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// Delete removes keys. Used when the store is reset.
func (c *JSONCache) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	err := c.cb.Execute(func() error {
		return c.client.Del(ctx, full...).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}
