package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const DefaultTTL = 5 * time.Minute

// Cache is the caller-facing view of a Backend. Backend failures never reach
// the caller: reads degrade to a miss and writes to a no-op, both logged.
type Cache struct {
	backend    Backend
	logger     types.Logger
	metrics    types.MetricsManager
	namespace  string
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*Cache)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(backend Backend, logger types.Logger, metrics types.MetricsManager, opts ...Option) *Cache {
	c := &Cache{
		backend:    backend,
		logger:     logger,
		metrics:    metrics,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ForTenant returns a view sharing the backend whose keys and tags all live
// under tenant:<id>:.
func (c *Cache) ForTenant(tenantID string) *Cache {
	scoped := *c
	scoped.namespace = "tenant:" + tenantID + ":"
	return &scoped
}

func (c *Cache) Namespace() string {
	return c.namespace
}

func (c *Cache) Backend() Backend {
	return c.backend
}

type setOptions struct {
	ttl  time.Duration
	tags []string
	etag string
}

type SetOption func(*setOptions)

// WithTTL sets the entry lifetime. Entries expire on whole seconds, so a
// fractional ttl is rounded up.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
	}
}

func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = append(o.tags, tags...)
	}
}

func WithETag(etag string) SetOption {
	return func(o *setOptions) {
		o.etag = etag
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, found := c.GetEntry(ctx, key)
	if !found {
		return nil, false
	}
	return entry.Data, true
}

func (c *Cache) GetEntry(ctx context.Context, key string) (*types.CacheEntry, bool) {
	if key == "" {
		return nil, false
	}

	start := time.Now()
	entry, found, err := c.backend.Get(ctx, c.namespace+key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
		c.logger.Warn("Cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
	case found:
		result = "hit"
	}

	c.recordMetric("get", result, time.Since(start))

	if err != nil || !found {
		return nil, false
	}

	if len(entry.Tags) > 0 && c.namespace != "" {
		entry.Tags = c.stripNamespace(entry.Tags)
	}

	return entry, true
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, opts ...SetOption) {
	if key == "" {
		c.logger.Error("Attempted to set cache entry with empty key")
		return
	}

	options := &setOptions{ttl: c.defaultTTL}
	for _, opt := range opts {
		opt(options)
	}

	ttlSeconds := int((options.ttl + time.Second - 1) / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	entry := &types.CacheEntry{
		Data:       value,
		Timestamp:  c.now().UnixMilli(),
		TTLSeconds: ttlSeconds,
		Tags:       c.scopeTags(options.tags),
		ETag:       options.etag,
	}

	start := time.Now()
	err := c.backend.Set(ctx, c.namespace+key, entry)
	c.recordResult("set", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) Delete(ctx context.Context, key string) {
	start := time.Now()
	err := c.backend.Delete(ctx, c.namespace+key)
	c.recordResult("delete", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// DeleteByTag removes every live entry that was stored with tag.
func (c *Cache) DeleteByTag(ctx context.Context, tag string) {
	start := time.Now()
	err := c.backend.DeleteByTag(ctx, c.namespace+tag)
	c.recordResult("delete_by_tag", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache tag invalidation failed", zap.String("tag", tag), zap.Error(err))
	}
}

func (c *Cache) Has(ctx context.Context, key string) bool {
	start := time.Now()
	exists, err := c.backend.Has(ctx, c.namespace+key)
	c.recordResult("has", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache has failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return exists
}

// Size counts live entries in this view's namespace.
func (c *Cache) Size(ctx context.Context) int {
	start := time.Now()
	size, err := c.backend.Size(ctx, c.namespace)
	c.recordResult("size", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache size failed", zap.Error(err))
		return 0
	}
	return size
}

// Clear drops every entry in this view's namespace.
func (c *Cache) Clear(ctx context.Context) {
	start := time.Now()
	err := c.backend.Clear(ctx, c.namespace)
	c.recordResult("clear", err, time.Since(start))

	if err != nil {
		c.logger.Warn("Cache clear failed", zap.Error(err))
	}
}

func (c *Cache) scopeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	scoped := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, dup := seen[tag]; dup || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		scoped = append(scoped, c.namespace+tag)
	}
	return scoped
}

func (c *Cache) stripNamespace(tags []string) []string {
	stripped := make([]string, len(tags))
	for i, tag := range tags {
		stripped[i] = tag[len(c.namespace):]
	}
	return stripped
}

func (c *Cache) recordResult(operation string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.recordMetric(operation, result, duration)
}

func (c *Cache) recordMetric(operation, result string, duration time.Duration) {
	c.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	c.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}
