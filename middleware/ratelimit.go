package middleware

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/ratelimit"
	"github.com/patent-drafter/reqcore/types"
)

// Limiter is satisfied by both ratelimit.Guard and ratelimit.EdgeGuard.
type Limiter interface {
	Limit(ctx *fasthttp.RequestCtx) ratelimit.Decision
}

type RateLimitMiddleware struct {
	limiter Limiter
	logger  types.Logger
	weight  int
}

func NewRateLimitMiddleware(item *types.MiddlewareItemConfig, limiter Limiter, logger types.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		weight:  item.Weight,
	}
}

func (rl *RateLimitMiddleware) Name() string { return "rate_limit" }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	decision := rl.limiter.Limit(ctx)

	if !decision.Allowed {
		rl.logger.Warn("Rate limit exceeded",
			zap.String("class", decision.Class),
			zap.String("client", decision.Key),
			zap.ByteString("path", ctx.Path()),
			zap.Int("retry_after", decision.RetryAfterSeconds()))
		ratelimit.WriteRejection(ctx, decision)
		return
	}

	next(ctx)

	ratelimit.SetHeaders(ctx, decision)
}
