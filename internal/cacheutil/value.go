package cacheutil

import (
	"context"
	"sync"
	"time"
)

// Value caches the result of fetch for ttl. Concurrent misses share one fetch.
// A zero ttl disables caching.
type Value[T any] struct {
	mu        sync.RWMutex
	ttl       time.Duration
	fetch     func(context.Context) (T, error)
	now       func() time.Time
	value     T
	fetchedAt time.Time
	valid     bool
}

// NewValue wraps fetch in a read-through cache.
func NewValue[T any](ttl time.Duration, fetch func(context.Context) (T, error)) *Value[T] {
	return &Value[T]{ttl: ttl, fetch: fetch, now: time.Now}
}

// Get returns the cached value, fetching it when absent or stale.
// Fetch errors are returned and nothing is cached.
func (v *Value[T]) Get(ctx context.Context) (T, error) {
	if v.ttl <= 0 {
		return v.fetch(ctx)
	}

	v.mu.RLock()
	if v.fresh(v.now()) {
		value := v.value
		v.mu.RUnlock()
		return value, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Another caller may have refreshed the value between RUnlock and Lock.
	now := v.now()
	if v.fresh(now) {
		return v.value, nil
	}

	value, err := v.fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	v.value, v.fetchedAt, v.valid = value, now, true
	return value, nil
}

// Invalidate drops the cached value so the next Get fetches again.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	var zero T
	v.value, v.valid = zero, false
}

func (v *Value[T]) fresh(now time.Time) bool {
	return v.valid && now.Sub(v.fetchedAt) < v.ttl
}
