package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/csrf"
	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/ratelimit"
	"github.com/patent-drafter/reqcore/types"
)

type recordingMiddleware struct {
	name   string
	weight int
	trace  *[]string
}

func (r *recordingMiddleware) Name() string { return r.name }
func (r *recordingMiddleware) Weight() int  { return r.weight }

func (r *recordingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	*r.trace = append(*r.trace, r.name)
	next(ctx)
}

func item(weight int) *types.MiddlewareItemConfig {
	return &types.MiddlewareItemConfig{Enabled: true, Weight: weight}
}

func TestManagerOrdersByWeightAndHonorsDisabled(t *testing.T) {
	var trace []string
	m := NewManager(logger.NewNop(), metrics.NewNop())

	require.NoError(t, m.Register(&recordingMiddleware{name: "b", weight: 20, trace: &trace}))
	require.NoError(t, m.Register(&recordingMiddleware{name: "a", weight: 10, trace: &trace}))
	require.NoError(t, m.Register(&recordingMiddleware{name: "c", weight: 30, trace: &trace}))
	require.NoError(t, m.Finalize())
	assert.Equal(t, []string{"a", "b", "c"}, m.Names())

	handler := func(ctx *fasthttp.RequestCtx) { trace = append(trace, "handler") }

	m.Execute(&fasthttp.RequestCtx{}, handler, nil)
	assert.Equal(t, []string{"a", "b", "c", "handler"}, trace)

	trace = nil
	m.Execute(&fasthttp.RequestCtx{}, handler, &types.RouteConfig{DisabledMiddlewares: []string{"b"}})
	assert.Equal(t, []string{"a", "c", "handler"}, trace)

	assert.Error(t, m.Register(&recordingMiddleware{name: "d", weight: 40, trace: &trace}))
}

func TestManagerRejectsDuplicateWeights(t *testing.T) {
	var trace []string
	m := NewManager(logger.NewNop(), metrics.NewNop())
	require.NoError(t, m.Register(&recordingMiddleware{name: "a", weight: 10, trace: &trace}))
	require.NoError(t, m.Register(&recordingMiddleware{name: "b", weight: 10, trace: &trace}))
	assert.Error(t, m.Finalize())
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	m := NewManager(logger.NewNop(), metrics.NewNop())
	require.NoError(t, m.RegisterMiddlewares(&types.MiddlewaresConfig{Recovery: item(10)}, Components{}))

	ctx := &fasthttp.RequestCtx{}
	m.Execute(ctx, func(*fasthttp.RequestCtx) { panic("boom") }, nil)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "Internal Server Error")
}

func TestRateLimitMiddleware(t *testing.T) {
	edge := ratelimit.NewEdgeGuard(types.EnvironmentProduction, nil, nil, logger.NewNop(), metrics.NewNop())
	m := NewManager(logger.NewNop(), metrics.NewNop())
	require.NoError(t, m.RegisterMiddlewares(&types.MiddlewaresConfig{RateLimit: item(30)}, Components{Limiter: edge}))

	calls := 0
	handler := func(ctx *fasthttp.RequestCtx) { calls++ }

	var ctx *fasthttp.RequestCtx
	for i := 0; i < 6; i++ {
		ctx = &fasthttp.RequestCtx{}
		ctx.Request.SetRequestURI("/api/auth/login")
		ctx.Request.Header.Set(ratelimit.HeaderForwardedFor, "1.2.3.4")
		m.Execute(ctx, handler, nil)
	}

	assert.Equal(t, 5, calls)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	assert.Equal(t, "900", string(ctx.Response.Header.Peek("Retry-After")))

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/api/projects")
	ctx.Request.Header.Set(ratelimit.HeaderForwardedFor, "1.2.3.4")
	m.Execute(ctx, handler, nil)
	assert.Equal(t, 6, calls)
	assert.Equal(t, "99", string(ctx.Response.Header.Peek("X-RateLimit-Remaining")))
}

func TestCSRFMiddleware(t *testing.T) {
	issuer, err := csrf.NewIssuer(&types.CSRFConfig{Secret: "s"}, logger.NewNop())
	require.NoError(t, err)

	m := NewManager(logger.NewNop(), metrics.NewNop())
	require.NoError(t, m.RegisterMiddlewares(&types.MiddlewaresConfig{CSRF: item(40)}, Components{CSRF: issuer}))

	ok := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusCreated) }

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	m.Execute(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusForbidden, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), CSRFErrorMessage)

	token, _ := issuer.Issue()
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.Header.Set(csrf.DefaultHeader, token)
	m.Execute(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = &fasthttp.RequestCtx{}
	m.Execute(ctx, ok, nil)
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())
}

func TestCacheMiddleware(t *testing.T) {
	backend, err := cache.NewMemoryBackend(context.Background(), logger.NewNop(), &types.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	c := cache.New(backend, logger.NewNop(), metrics.NewNop())

	m := NewManager(logger.NewNop(), metrics.NewNop())
	require.NoError(t, m.RegisterMiddlewares(&types.MiddlewaresConfig{Cache: item(50)}, Components{Cache: c}))

	route := &types.RouteConfig{Cache: &types.CacheHandlerConfig{Enabled: true, TTL: time.Minute, Tags: []string{"projects"}}}

	calls := 0
	handler := func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"projects":[]}`)
	}

	get := func(etag string) *fasthttp.RequestCtx {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.SetRequestURI("/api/projects?page=1")
		ctx.Request.Header.Set(TenantHeader, "acme")
		if etag != "" {
			ctx.Request.Header.Set("If-None-Match", etag)
		}
		m.Execute(ctx, handler, route)
		return ctx
	}

	first := get("")
	assert.Equal(t, "MISS", string(first.Response.Header.Peek("X-Cache")))
	etag := string(first.Response.Header.Peek("ETag"))
	require.NotEmpty(t, etag)

	second := get("")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "HIT", string(second.Response.Header.Peek("X-Cache")))
	assert.Equal(t, `{"projects":[]}`, string(second.Response.Body()))
	assert.Equal(t, "application/json", string(second.Response.Header.ContentType()))

	notModified := get(etag)
	assert.Equal(t, fasthttp.StatusNotModified, notModified.Response.StatusCode())
	assert.Equal(t, 1, calls)

	c.ForTenant("acme").DeleteByTag(context.Background(), "projects")
	get("")
	assert.Equal(t, 2, calls)
}
