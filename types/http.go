package types

import (
	"time"

	"github.com/valyala/fasthttp"
)

type HTTPServer interface {
	LifecycleManager
	Handle(method, path string, handler fasthttp.RequestHandler, config *RouteConfig)
}

type RouteConfig struct {
	Cache               *CacheHandlerConfig
	DisabledMiddlewares []string
	Timeout             time.Duration
}

// CacheHandlerConfig enables response caching for a GET route. Tags are
// attached to the cached entry so mutations can invalidate it.
type CacheHandlerConfig struct {
	Enabled bool
	TTL     time.Duration
	Tags    []string
}

func (rc *RouteConfig) IsDisabled(middleware string) bool {
	if rc == nil {
		return false
	}
	for _, name := range rc.DisabledMiddlewares {
		if name == middleware {
			return true
		}
	}
	return false
}
