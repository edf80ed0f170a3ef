package app

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/client"
	"github.com/patent-drafter/reqcore/cron"
	"github.com/patent-drafter/reqcore/csrf"
	"github.com/patent-drafter/reqcore/health"
	"github.com/patent-drafter/reqcore/jobs"
	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/middleware"
	"github.com/patent-drafter/reqcore/ratelimit"
	"github.com/patent-drafter/reqcore/server"
	"github.com/patent-drafter/reqcore/types"
)

// Role selects which half of the system a process runs.
type Role int

const (
	RoleServer Role = iota
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

type component struct {
	name      string
	lifecycle types.LifecycleManager
}

// Container owns every long-lived instance of one process. Members not
// needed by the role are left nil.
type Container struct {
	Role    Role
	Config  *types.ServiceConfig
	Logger  types.Logger
	Metrics *metrics.Manager
	Health  *health.Manager

	CacheBackend cache.Backend
	Cache        *cache.Cache

	LimiterStore ratelimit.Store
	Limiter      middleware.Limiter

	CSRF        *csrf.Issuer
	Middlewares *middleware.Manager
	HTTP        *server.FastHTTPServer

	JobStore jobs.Store
	Registry *jobs.Registry
	Queue    *jobs.Queue

	Transport    *client.FastHTTPTransport
	Coordinator  *client.Coordinator
	APIClient    *client.APIClient
	Orchestrator *jobs.RemoteOrchestrator
	Cron         *cron.Manager
	Worker       *jobs.Worker

	listener   net.Listener
	components []component
}

type Option func(*Container)

// WithLogger replaces the logger built from config.
func WithLogger(l types.Logger) Option {
	return func(c *Container) {
		c.Logger = l
	}
}

// WithListener makes the HTTP server serve on l instead of listening on the
// configured address.
func WithListener(l net.Listener) Option {
	return func(c *Container) {
		c.listener = l
	}
}

// NewContainer builds the components of role from cfg. Nothing is started.
func NewContainer(ctx context.Context, cfg *types.ServiceConfig, role Role, opts ...Option) (*Container, error) {
	c := &Container{Role: role, Config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.Logger == nil {
		l, err := logger.New(cfg.Logger)
		if err != nil {
			return nil, types.WrapError(err, "failed to register logger")
		}
		c.Logger = l
	}

	metricsManager, err := metrics.NewManager(ctx, cfg.Metrics, c.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to register metrics manager")
	}
	c.Metrics = metricsManager
	c.add("metrics", metricsManager)

	store, err := jobs.NewStore(cfg.Jobs, c.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to register job store")
	}
	c.JobStore = store
	c.add("job_store", store)

	c.Registry = jobs.NewRegistry()

	switch role {
	case RoleServer:
		err = c.registerServer(ctx)
	case RoleWorker:
		err = c.registerWorker(ctx)
	default:
		err = types.Errorf(types.ErrInvalidParameter, "role: %d", role)
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Container) registerServer(ctx context.Context) error {
	cfg := c.Config

	c.Health = health.NewManager(ctx, types.ServiceInfo{
		Name:        cfg.Name,
		Version:     cfg.Version,
		Environment: cfg.Environment,
	}, c.Logger)
	c.add("health", c.Health)

	if err := c.registerCache(ctx); err != nil {
		return err
	}
	if err := c.registerLimiter(ctx); err != nil {
		return err
	}

	issuer, err := csrf.NewIssuer(cfg.CSRF, c.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register csrf issuer")
	}
	c.CSRF = issuer

	c.Middlewares = middleware.NewManager(c.Logger, c.Metrics)
	if err := c.Middlewares.RegisterMiddlewares(cfg.Middlewares, middleware.Components{
		Limiter: c.Limiter,
		CSRF:    c.CSRF,
		Cache:   c.Cache,
	}); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}

	c.Queue = jobs.NewQueue(c.JobStore, c.Registry, c.Logger, c.Metrics, c.queueOptions()...)
	c.Health.RegisterChecker("job_store", jobStoreChecker(c.JobStore))

	var httpConfig *types.HTTPConfig
	if cfg.Server != nil {
		httpConfig = cfg.Server.HTTP
	}
	c.HTTP = server.NewHTTPServer(ctx, httpConfig, c.Logger, c.Middlewares)

	api := &server.API{
		Logger: c.Logger,
		CSRF:   c.CSRF,
		Queue:  c.Queue,
	}
	if cfg.Health == nil || cfg.Health.Enabled {
		api.Health = c.Health.HandleHealth
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		api.Metrics = c.Metrics.Handler()
	}
	api.Register(c.HTTP)

	c.add("http_server", &listenerServer{server: c.HTTP, listener: c.listener})
	return nil
}

func (c *Container) registerWorker(ctx context.Context) error {
	cfg := c.Config

	clientConfig := cfg.Client
	if clientConfig == nil {
		clientConfig = &types.ClientConfig{}
	}

	c.Transport = client.NewFastHTTPTransport(clientConfig, c.Logger, c.Metrics)

	coordinator, err := client.NewCoordinator(ctx, clientConfig, c.Transport, c.Logger, c.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register request coordinator")
	}
	c.Coordinator = coordinator
	c.add("coordinator", &transportCloser{coordinator: coordinator, transport: c.Transport})

	c.APIClient = client.NewAPIClient(coordinator, clientConfig, c.Logger)
	c.Orchestrator = jobs.NewRemoteOrchestrator(c.APIClient)
	c.Registry.Register(types.JobTypeOfficeActionOrchestration, c.Orchestrator.Loader())

	c.Queue = jobs.NewQueue(c.JobStore, c.Registry, c.Logger, c.Metrics, c.queueOptions()...)

	cronManager, err := cron.NewManager(ctx, cfg.Cron, c.Logger, c.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cron manager")
	}
	c.Cron = cronManager
	c.add("cron", cronManager)

	c.Worker = jobs.NewWorker(ctx, c.Queue, cronManager, cfg.Jobs, c.Logger)
	c.add("worker", c.Worker)
	return nil
}

func (c *Container) queueOptions() []jobs.QueueOption {
	opts := make([]jobs.QueueOption, 0, 2)
	if c.Config.Jobs != nil && c.Config.Jobs.MaxAttempts > 0 {
		opts = append(opts, jobs.WithMaxAttempts(c.Config.Jobs.MaxAttempts))
	}
	if c.Orchestrator != nil {
		opts = append(opts, jobs.WithProgressSource(c.Orchestrator))
	}
	return opts
}

func (c *Container) registerCache(ctx context.Context) error {
	cacheConfig := c.Config.Cache
	if cacheConfig == nil || !cacheConfig.Enabled {
		return nil
	}

	backend, err := cache.NewBackend(ctx, cacheConfig, c.Logger, c.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cache")
	}

	opts := make([]cache.Option, 0, 1)
	if cacheConfig.DefaultTTL > 0 {
		opts = append(opts, cache.WithDefaultTTL(cacheConfig.DefaultTTL))
	}

	c.CacheBackend = backend
	c.Cache = cache.New(backend, c.Logger, c.Metrics, opts...)
	c.add("cache", backend)
	c.Health.RegisterChecker("cache", cache.HealthChecker(backend, cacheConfig.Type))
	return nil
}

// registerLimiter builds the edge guard for a memory store and the
// context-aware guard for a remote one.
func (c *Container) registerLimiter(ctx context.Context) error {
	limitConfig := c.Config.RateLimit
	if limitConfig == nil || !limitConfig.Enabled {
		return nil
	}

	quotas := ratelimit.QuotasFromConfig(limitConfig)
	classifier := ratelimit.NewClassifier(ratelimit.RulesFromConfig(limitConfig))

	switch limitConfig.Store {
	case "", "memory":
		edge := ratelimit.NewEdgeGuard(c.Config.Environment, quotas, classifier, c.Logger, c.Metrics)
		c.Limiter = edge
		c.LimiterStore = edge.Store()
	default:
		store, err := ratelimit.NewStore(ctx, limitConfig, c.Logger, c.Metrics)
		if err != nil {
			return types.WrapError(err, "failed to register rate limiter")
		}
		c.Limiter = ratelimit.NewGuard(store, quotas, classifier, c.Logger, c.Metrics)
		c.LimiterStore = store
	}

	c.add("rate_limit_store", c.LimiterStore)
	c.Health.RegisterChecker("rate_limit", limiterChecker(c.LimiterStore, limitConfig.Store))
	return nil
}

func (c *Container) add(name string, lifecycle types.LifecycleManager) {
	c.components = append(c.components, component{name: name, lifecycle: lifecycle})
}

// Start starts components in registration order. On failure the ones
// already started are stopped again.
func (c *Container) Start(ctx context.Context) error {
	for i, comp := range c.components {
		select {
		case <-ctx.Done():
			c.stopFrom(i - 1)
			return ctx.Err()
		default:
		}

		if err := comp.lifecycle.Start(); err != nil {
			c.stopFrom(i - 1)
			return types.WrapError(err, "failed to start "+comp.name)
		}
		c.Logger.Debug("Component started", zap.String("component", comp.name))
	}

	c.Logger.Info("Components started",
		zap.String("role", c.Role.String()),
		zap.Int("count", len(c.components)))
	return nil
}

// Stop stops components in reverse order. Every component is asked to stop
// even when an earlier one failed; the first error is returned.
func (c *Container) Stop() error {
	return c.stopFrom(len(c.components) - 1)
}

func (c *Container) stopFrom(last int) error {
	var firstErr error
	for i := last; i >= 0; i-- {
		comp := c.components[i]
		if !comp.lifecycle.IsRunning() {
			continue
		}
		if err := comp.lifecycle.Stop(); err != nil {
			c.Logger.Error("Failed to stop component", zap.String("component", comp.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	logger.Sync(c.Logger)
	return firstErr
}

// Components lists component names in start order.
func (c *Container) Components() []string {
	names := make([]string, len(c.components))
	for i, comp := range c.components {
		names[i] = comp.name
	}
	return names
}

// listenerServer starts the HTTP server on a preset listener when one was
// given.
type listenerServer struct {
	server   *server.FastHTTPServer
	listener net.Listener
}

func (l *listenerServer) Start() error {
	if l.listener != nil {
		return l.server.Serve(l.listener)
	}
	return l.server.Start()
}

func (l *listenerServer) Stop() error     { return l.server.Stop() }
func (l *listenerServer) IsRunning() bool { return l.server.IsRunning() }

// transportCloser closes the shared fasthttp client once the coordinator
// has drained.
type transportCloser struct {
	coordinator *client.Coordinator
	transport   *client.FastHTTPTransport
}

func (t *transportCloser) Start() error     { return t.coordinator.Start() }
func (t *transportCloser) IsRunning() bool { return t.coordinator.IsRunning() }

func (t *transportCloser) Stop() error {
	err := t.coordinator.Stop()
	t.transport.Close()
	return err
}
