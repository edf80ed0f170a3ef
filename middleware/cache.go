package middleware

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

const TenantHeader = "x-tenant-slug"

type CacheMiddleware struct {
	cache       *cache.Cache
	logger      types.Logger
	cacheConfig *CacheConfig
	weight      int
}

type CacheConfig struct {
	DefaultTTL string `json:"default_ttl"`
	KeyPrefix  string `json:"key_prefix"`
	defaultTTL time.Duration
}

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func NewCacheMiddleware(item *types.MiddlewareItemConfig, c *cache.Cache, logger types.Logger) *CacheMiddleware {
	var cacheConfig = &CacheConfig{
		DefaultTTL: "1m",
		KeyPrefix:  "response",
	}

	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, cacheConfig); err != nil {
			logger.Error("Failed to unmarshal Cache middleware config", zap.Error(err))
		}
	}

	cacheConfig.defaultTTL = time.Minute
	if d, err := time.ParseDuration(cacheConfig.DefaultTTL); err == nil && d > 0 {
		cacheConfig.defaultTTL = d
	}

	return &CacheMiddleware{
		cache:       c,
		logger:      logger,
		cacheConfig: cacheConfig,
		weight:      item.Weight,
	}
}

func (c *CacheMiddleware) Name() string { return "cache" }
func (c *CacheMiddleware) Weight() int  { return c.weight }

// Handle serves cached GET responses for routes that opt in, answering
// If-None-Match with 304. Fresh 2xx responses are stored with the route's
// tags and an ETag over the body.
func (c *CacheMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !ctx.IsGet() || config == nil || config.Cache == nil || !config.Cache.Enabled {
		next(ctx)
		return
	}

	scoped := c.cache
	if tenant := string(ctx.Request.Header.Peek(TenantHeader)); tenant != "" {
		scoped = c.cache.ForTenant(tenant)
	}

	key := c.buildCacheKey(ctx)

	if entry, ok := scoped.GetEntry(ctx, key); ok {
		var cached cachedResponse
		if err := utils.Unmarshal(entry.Data, &cached); err == nil {
			c.restoreResponse(ctx, &cached, entry.ETag)
			c.logger.Debug("Response cache hit", zap.String("cache_key", key))
			return
		}
		scoped.Delete(ctx, key)
	}

	next(ctx)

	if !shouldCacheResponse(ctx) {
		return
	}

	body := ctx.Response.Body()
	etag := computeETag(body)

	data, err := utils.Marshal(cachedResponse{
		Status:      ctx.Response.StatusCode(),
		ContentType: string(ctx.Response.Header.ContentType()),
		Body:        body,
	})
	if err != nil {
		c.logger.Error("Failed to encode response for cache", zap.String("cache_key", key), zap.Error(err))
		return
	}

	ttl := config.Cache.TTL
	if ttl <= 0 {
		ttl = c.cacheConfig.defaultTTL
	}

	scoped.Set(ctx, key, data, cache.WithTTL(ttl), cache.WithTags(config.Cache.Tags...), cache.WithETag(etag))
	ctx.Response.Header.Set("ETag", etag)
	ctx.Response.Header.Set("X-Cache", "MISS")
}

func (c *CacheMiddleware) buildCacheKey(ctx *fasthttp.RequestCtx) string {
	var b strings.Builder
	b.WriteString(c.cacheConfig.KeyPrefix)
	b.WriteByte(':')
	b.Write(ctx.Path())
	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		b.WriteByte('?')
		b.Write(query)
	}
	return b.String()
}

func (c *CacheMiddleware) restoreResponse(ctx *fasthttp.RequestCtx, cached *cachedResponse, etag string) {
	ctx.Response.Header.Set("X-Cache", "HIT")

	if etag != "" {
		ctx.Response.Header.Set("ETag", etag)
		if string(ctx.Request.Header.Peek("If-None-Match")) == etag {
			ctx.SetStatusCode(fasthttp.StatusNotModified)
			return
		}
	}

	ctx.SetStatusCode(cached.Status)
	if cached.ContentType != "" {
		ctx.SetContentType(cached.ContentType)
	}
	ctx.SetBody(cached.Body)
}

func shouldCacheResponse(ctx *fasthttp.RequestCtx) bool {
	statusCode := ctx.Response.StatusCode()
	if statusCode < 200 || statusCode >= 300 {
		return false
	}

	if len(ctx.Response.Body()) == 0 {
		return false
	}

	cacheControl := strings.ToLower(string(ctx.Response.Header.Peek("Cache-Control")))
	return !strings.Contains(cacheControl, "no-cache") && !strings.Contains(cacheControl, "no-store")
}

func computeETag(body []byte) string {
	sum := blake2b.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
