package middleware

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/csrf"
	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

// CSRFErrorMessage is matched by clients to tell a CSRF rejection from other
// 403 responses.
const CSRFErrorMessage = "Invalid CSRF token"

type CSRFMiddleware struct {
	issuer  *csrf.Issuer
	logger  types.Logger
	metrics types.MetricsManager
	weight  int
}

func NewCSRFMiddleware(item *types.MiddlewareItemConfig, issuer *csrf.Issuer, logger types.Logger, metrics types.MetricsManager) *CSRFMiddleware {
	return &CSRFMiddleware{
		issuer:  issuer,
		logger:  logger,
		metrics: metrics,
		weight:  item.Weight,
	}
}

func (c *CSRFMiddleware) Name() string { return "csrf" }
func (c *CSRFMiddleware) Weight() int  { return c.weight }

func (c *CSRFMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if !isMutating(ctx.Method()) {
		next(ctx)
		return
	}

	if err := c.issuer.VerifyRequest(ctx); err != nil {
		c.logger.Warn("CSRF verification failed",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
		c.metrics.Counter("csrf_rejections_total", nil).Inc()

		utils.CreateForbiddenResponse(ctx, CSRFErrorMessage)
		return
	}

	next(ctx)
}

func isMutating(method []byte) bool {
	switch string(method) {
	case fasthttp.MethodPost, fasthttp.MethodPut, fasthttp.MethodPatch, fasthttp.MethodDelete:
		return true
	}
	return false
}
