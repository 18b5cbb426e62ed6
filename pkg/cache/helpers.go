package cache

import (
	"context"
)

// GetOrSet returns the cached value for key, or computes it with fn and
// stores the result. Errors from fn are returned and nothing is cached.
// Cache failures never prevent fn from running.
func GetOrSet[T any](ctx context.Context, c Cache, key string, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached, opts...) {
		return cached, nil
	}

	value, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(ctx, key, value, opts...)
	return value, nil
}

// WarmEntry is one value preloaded by WarmUp.
type WarmEntry struct {
	Key     string
	Value   any
	Options []Option
}

// WarmUp stores every entry and returns how many were written.
func WarmUp(ctx context.Context, c Cache, entries []WarmEntry) int {
	stored := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if c.Set(ctx, e.Key, e.Value, e.Options...) {
			stored++
		}
	}
	return stored
}
