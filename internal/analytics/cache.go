// Package analytics holds derived, cached views over stored candles.
package analytics

import (
	"context"
	"log"
	"sync"
	"time"
)

// Tier is an optional shared second cache level (Redis in production).
type Tier interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Cache keeps one computed value with an explicit TTL. Reads never compute;
// Refresh and GetOrRefresh do. Concurrent refreshes are collapsed into one.
type Cache[T any] struct {
	name    string
	ttl     time.Duration
	compute func(ctx context.Context) (T, error)
	tier    Tier

	mu        sync.RWMutex
	value     T
	updatedAt time.Time
	has       bool

	refreshMu sync.Mutex

	Now func() time.Time
	// OnRefresh is called after every refresh attempt (optional).
	OnRefresh func(name string, err error)
}

type tierEntry[T any] struct {
	Value     T         `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCache creates a cache named name whose entries expire after ttl.
// tier may be nil.
func NewCache[T any](name string, ttl time.Duration, compute func(ctx context.Context) (T, error), tier Tier) *Cache[T] {
	return &Cache[T]{name: name, ttl: ttl, compute: compute, tier: tier, Now: time.Now}
}

// Get returns the cached value and when it was computed. ok is false when
// nothing is cached or the entry has expired.
func (c *Cache[T]) Get() (v T, updatedAt time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has || c.expired(c.updatedAt) {
		return v, c.updatedAt, false
	}
	return c.value, c.updatedAt, true
}

func (c *Cache[T]) expired(at time.Time) bool {
	return c.ttl > 0 && c.Now().Sub(at) >= c.ttl
}

// Refresh recomputes the value unconditionally. On error the previous value
// is kept.
func (c *Cache[T]) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Cache[T]) refreshLocked(ctx context.Context) error {
	v, err := c.compute(ctx)
	if c.OnRefresh != nil {
		c.OnRefresh(c.name, err)
	}
	if err != nil {
		return err
	}

	now := c.Now()
	c.mu.Lock()
	c.value, c.updatedAt, c.has = v, now, true
	c.mu.Unlock()

	if c.tier != nil {
		if err := c.tier.Set(ctx, c.name, tierEntry[T]{Value: v, UpdatedAt: now}, c.ttl); err != nil {
			log.Printf("[analytics] %s: shared cache write failed: %v", c.name, err)
		}
	}
	return nil
}

// GetOrRefresh returns a fresh value, consulting the shared tier and then
// computing when the local entry is missing or expired.
func (c *Cache[T]) GetOrRefresh(ctx context.Context) (T, time.Time, error) {
	if v, at, ok := c.Get(); ok {
		return v, at, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if v, at, ok := c.Get(); ok {
		return v, at, nil
	}

	if c.tier != nil {
		var e tierEntry[T]
		ok, err := c.tier.Get(ctx, c.name, &e)
		if err != nil {
			log.Printf("[analytics] %s: shared cache read failed: %v", c.name, err)
		}
		if ok && !c.expired(e.UpdatedAt) {
			c.mu.Lock()
			c.value, c.updatedAt, c.has = e.Value, e.UpdatedAt, true
			c.mu.Unlock()
			return e.Value, e.UpdatedAt, nil
		}
	}

	if err := c.refreshLocked(ctx); err != nil {
		var zero T
		return zero, time.Time{}, err
	}
	v, at, _ := c.Get()
	return v, at, nil
}

// Invalidate drops the local entry.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value, c.updatedAt, c.has = zero, time.Time{}, false
	c.mu.Unlock()
}

// Run refreshes immediately and then every interval until ctx is cancelled.
func (c *Cache[T]) Run(ctx context.Context, interval time.Duration) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[analytics] %s: refresh failed: %v", c.name, err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[analytics] %s: refresh failed: %v", c.name, err)
			}
		}
	}
}
