package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/utils"
)

// GetAs decodes the cached JSON value. A value that fails to decode is
// reported as a miss.
func GetAs[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var value T

	data, found := c.Get(ctx, key)
	if !found {
		return value, false
	}

	if err := utils.Unmarshal(data, &value); err != nil {
		c.logger.Warn("Malformed cache entry, treating as miss", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}

	return value, true
}

func SetAs[T any](ctx context.Context, c *Cache, key string, value T, opts ...SetOption) {
	data, err := utils.Marshal(value)
	if err != nil {
		c.logger.Warn("Failed to encode cache value", zap.String("key", key), zap.Error(err))
		return
	}

	c.Set(ctx, key, data, opts...)
}

// GetOrSet returns the cached value or computes and stores it. Concurrent
// misses on the same key each run factory; factories are expected to be
// idempotent. A factory error is returned and nothing is stored.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, factory func(ctx context.Context) (T, error), opts ...SetOption) (T, error) {
	if value, found := GetAs[T](ctx, c, key); found {
		return value, nil
	}

	value, err := factory(ctx)
	if err != nil {
		return value, err
	}

	SetAs(ctx, c, key, value, opts...)
	return value, nil
}

// Cached wraps a loader with read-through caching under the key keyFn
// derives from the argument.
func Cached[A any, T any](c *Cache, keyFn func(A) string, fn func(context.Context, A) (T, error), opts ...SetOption) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return GetOrSet(ctx, c, keyFn(arg), func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		}, opts...)
	}
}

// Evicting wraps a mutation and, once it succeeds, invalidates every tag
// tagsFn returns for its argument and result.
func Evicting[A any, T any](c *Cache, tagsFn func(A, T) []string, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}

		for _, tag := range tagsFn(arg, result) {
			c.DeleteByTag(ctx, tag)
		}
		return result, nil
	}
}
