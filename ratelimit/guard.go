package ratelimit

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

// Decision is the outcome of one consumption together with what the HTTP
// layer needs to describe it.
type Decision struct {
	types.RateLimitResult
	Class   string
	Key     string
	Quota   types.Quota
	ResetAt time.Time
	// Skipped is set when limiting is disabled and nothing was consumed.
	Skipped bool
}

// RetryAfterSeconds rounds MsBeforeNext up to whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int {
	seconds := int((d.MsBeforeNext + 999) / 1000)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Guard is the context-aware limiter used in front of API handlers. It fails
// open: a store error allows the request.
type Guard struct {
	store      Store
	quotas     map[string]types.Quota
	classifier *Classifier
	logger     types.Logger
	metrics    types.MetricsManager
	now        func() time.Time
}

func NewGuard(store Store, quotas map[string]types.Quota, classifier *Classifier, logger types.Logger, metrics types.MetricsManager) *Guard {
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	if classifier == nil {
		classifier = NewClassifier(DefaultRules())
	}

	return &Guard{
		store:      store,
		quotas:     quotas,
		classifier: classifier,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (g *Guard) Store() Store {
	return g.store
}

func (g *Guard) Quota(class string) types.Quota {
	if quota, ok := g.quotas[class]; ok {
		return quota
	}
	return g.quotas[ClassAPI]
}

func (g *Guard) Consume(ctx context.Context, class, key string, points int) Decision {
	if points <= 0 {
		points = 1
	}

	quota, known := g.quotas[class]
	if !known {
		g.logger.Warn("Unknown rate limit class, using api quota", zap.String("class", class))
		quota = g.quotas[ClassAPI]
	}

	decision := Decision{Class: class, Key: key, Quota: quota}

	result, err := g.store.Consume(ctx, class, key, points, quota)
	if err != nil {
		g.logger.Error("Rate limiter failed, allowing request",
			zap.String("class", class),
			zap.String("store", g.store.Kind()),
			zap.Error(err))
		g.metrics.Counter("ratelimit_errors_total", map[string]string{"class": class}).Inc()

		result = types.RateLimitResult{
			Allowed:         true,
			RemainingPoints: quota.Points,
			MsBeforeNext:    quota.Duration.Milliseconds(),
		}
	}

	decision.RateLimitResult = result
	decision.ResetAt = g.now().Add(time.Duration(result.MsBeforeNext) * time.Millisecond)

	outcome := "allowed"
	if !result.Allowed {
		outcome = "rejected"
	}
	g.metrics.Counter("ratelimit_decisions_total", map[string]string{"class": class, "outcome": outcome}).Inc()

	return decision
}

// Check classifies path and consumes one point for key.
func (g *Guard) Check(ctx context.Context, path, key string) Decision {
	return g.Consume(ctx, g.classifier.Classify(path), key, 1)
}

// Limit applies the guard to an inbound request.
func (g *Guard) Limit(ctx *fasthttp.RequestCtx) Decision {
	key := ClientKey(RequestHeaders(ctx), "")
	return g.Check(ctx, string(ctx.Path()), key)
}

func (g *Guard) Reset(ctx context.Context, class, key string) error {
	return g.store.Reset(ctx, class, key)
}
