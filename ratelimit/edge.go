package ratelimit

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/types"
)

// EdgeGuard is the synchronous front-door limiter. It only ever uses process
// memory and does nothing in the test environment.
type EdgeGuard struct {
	guard    *Guard
	memory   *MemoryStore
	disabled bool
}

func NewEdgeGuard(environment string, quotas map[string]types.Quota, classifier *Classifier, logger types.Logger, metrics types.MetricsManager) *EdgeGuard {
	memory := NewMemoryStore(context.Background(), logger, 5*time.Minute)

	return &EdgeGuard{
		guard:    NewGuard(memory, quotas, classifier, logger, metrics),
		memory:   memory,
		disabled: environment == types.EnvironmentTest,
	}
}

func (e *EdgeGuard) Disabled() bool {
	return e.disabled
}

func (e *EdgeGuard) Store() Store {
	return e.memory
}

func (e *EdgeGuard) Check(path string, headers HeaderGetter, userID string) Decision {
	if e.disabled {
		return Decision{RateLimitResult: types.RateLimitResult{Allowed: true}, Skipped: true}
	}

	key := ClientKey(headers, userID)
	return e.guard.Check(context.Background(), path, key)
}

func (e *EdgeGuard) Limit(ctx *fasthttp.RequestCtx) Decision {
	return e.Check(string(ctx.Path()), RequestHeaders(ctx), "")
}
