package middleware

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/csrf"
	"github.com/patent-drafter/reqcore/types"
)

const MaxMiddlewares = 64

// Components are the shared instances middlewares act on. Nil members
// disable the middleware depending on them.
type Components struct {
	Limiter Limiter
	CSRF    *csrf.Issuer
	Cache   *cache.Cache
}

// Manager runs registered middlewares ordered by ascending weight. Each route
// may disable middlewares by name; the chain for every distinct disabled set
// is compiled once.
type Manager struct {
	logger             types.Logger
	metrics            types.MetricsManager
	orderedMiddlewares []types.MiddlewareEntry
	nameToIndex        map[string]int
	middlewareMap      map[string]*types.MiddlewareEntry
	compiledChains     map[uint64]*CompiledChain
	chainsMu           sync.RWMutex
	mu                 sync.Mutex
	initialized        int32
}

type CompiledChain struct {
	mask        uint64
	middlewares []types.Middleware
	handler     func(*fasthttp.RequestCtx, fasthttp.RequestHandler, *types.RouteConfig)
}

func NewManager(logger types.Logger, metrics types.MetricsManager) *Manager {
	return &Manager{
		logger:         logger,
		metrics:        metrics,
		nameToIndex:    make(map[string]int),
		middlewareMap:  make(map[string]*types.MiddlewareEntry),
		compiledChains: make(map[uint64]*CompiledChain),
	}
}

// RegisterMiddlewares registers every enabled middleware whose component is
// available, then finalizes the chain.
func (m *Manager) RegisterMiddlewares(config *types.MiddlewaresConfig, components Components) error {
	if config == nil {
		return m.Finalize()
	}

	if enabled(config.Recovery) {
		if err := m.Register(NewRecoveryMiddleware(config.Recovery, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Recovery middleware registered")
	}

	if enabled(config.Logging) {
		if err := m.Register(NewLoggingMiddleware(config.Logging, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("Logging middleware registered")
	}

	if enabled(config.RateLimit) && components.Limiter != nil {
		if err := m.Register(NewRateLimitMiddleware(config.RateLimit, components.Limiter, m.logger)); err != nil {
			return err
		}
		m.logger.Info("RateLimit middleware registered")
	}

	if enabled(config.CSRF) && components.CSRF != nil {
		if err := m.Register(NewCSRFMiddleware(config.CSRF, components.CSRF, m.logger, m.metrics)); err != nil {
			return err
		}
		m.logger.Info("CSRF middleware registered")
	}

	if enabled(config.Cache) && components.Cache != nil {
		if err := m.Register(NewCacheMiddleware(config.Cache, components.Cache, m.logger)); err != nil {
			return err
		}
		m.logger.Info("Cache middleware registered")
	}

	return m.Finalize()
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	m.middlewareMap[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
	}
	return nil
}

func (m *Manager) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if atomic.LoadInt32(&m.initialized) == 1 {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string)
	for name, entry := range m.middlewareMap {
		if existingName, exists := weights[entry.Weight]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'",
				entry.Weight, existingName, name)
		}
		weights[entry.Weight] = name
	}

	m.orderedMiddlewares = make([]types.MiddlewareEntry, 0, len(m.middlewareMap))
	for _, entry := range m.middlewareMap {
		m.orderedMiddlewares = append(m.orderedMiddlewares, *entry)
	}

	sort.Slice(m.orderedMiddlewares, func(i, j int) bool {
		return m.orderedMiddlewares[i].Weight < m.orderedMiddlewares[j].Weight
	})

	for i, entry := range m.orderedMiddlewares {
		m.nameToIndex[entry.Name] = i
	}
	m.middlewareMap = nil

	atomic.StoreInt32(&m.initialized, 1)

	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	m.logger.Debug("Middleware chain finalized", zap.Strings("order", names))

	return nil
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler fasthttp.RequestHandler, config *types.RouteConfig) {
	if atomic.LoadInt32(&m.initialized) == 0 {
		handler(ctx)
		return
	}

	mask := m.routeMask(config)
	if mask == 0 {
		handler(ctx)
		return
	}

	m.chain(mask).handler(ctx, handler, config)
}

// Wrap binds handler to the chain for config.
func (m *Manager) Wrap(handler fasthttp.RequestHandler, config *types.RouteConfig) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		m.Execute(ctx, handler, config)
	}
}

func (m *Manager) routeMask(config *types.RouteConfig) uint64 {
	mask := uint64(1)<<uint(len(m.orderedMiddlewares)) - 1
	if config == nil {
		return mask
	}

	for _, name := range config.DisabledMiddlewares {
		if index, exists := m.nameToIndex[name]; exists {
			mask &^= 1 << uint(index)
		}
	}
	return mask
}

func (m *Manager) chain(mask uint64) *CompiledChain {
	m.chainsMu.RLock()
	compiled := m.compiledChains[mask]
	m.chainsMu.RUnlock()
	if compiled != nil {
		return compiled
	}

	active := make([]types.Middleware, 0, len(m.orderedMiddlewares))
	for i, entry := range m.orderedMiddlewares {
		if mask&(1<<uint(i)) != 0 {
			active = append(active, entry.Middleware)
		}
	}

	compiled = &CompiledChain{
		mask:        mask,
		middlewares: active,
		handler:     compileChain(active),
	}

	m.chainsMu.Lock()
	m.compiledChains[mask] = compiled
	m.chainsMu.Unlock()

	return compiled
}

func compileChain(middlewares []types.Middleware) func(*fasthttp.RequestCtx, fasthttp.RequestHandler, *types.RouteConfig) {
	return func(ctx *fasthttp.RequestCtx, handler fasthttp.RequestHandler, config *types.RouteConfig) {
		var index int

		var next func(*fasthttp.RequestCtx)
		next = func(ctx *fasthttp.RequestCtx) {
			if index >= len(middlewares) {
				handler(ctx)
				return
			}

			mw := middlewares[index]
			index++
			mw.Handle(ctx, next, config)
		}

		next(ctx)
	}
}

// Names returns the finalized chain order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.orderedMiddlewares))
	for _, entry := range m.orderedMiddlewares {
		names = append(names, entry.Name)
	}
	return names
}
