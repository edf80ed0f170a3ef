package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/types"
)

type CoordinatorState int32

const (
	CoordinatorStateStopped CoordinatorState = iota
	CoordinatorStateStarting
	CoordinatorStateRunning
	CoordinatorStateStopping
)

const (
	pendingTimeout  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

type pendingRequest struct {
	done      chan struct{}
	response  *Response
	err       error
	createdAt time.Time
}

type queuedRequest struct {
	key     string
	request *Request
	pending *pendingRequest
}

// Coordinator sits between callers and a Transport. Identical concurrent
// requests share one exchange, successful GETs are cached briefly and GETs
// are dispatched FIFO through a concurrency gate with a minimum spacing.
// Exchanges run on the coordinator's own context; a caller's context only
// bounds its wait.
type Coordinator struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    types.Logger
	metrics   types.MetricsManager
	transport Transport
	responses *cache.Cache
	cacheTTL  time.Duration
	monitor   *Monitor
	resolver  *Resolver
	tasks     *TaskRunner
	limiter   *rate.Limiter
	slots     chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	queueMu sync.Mutex
	queue   []*queuedRequest
	notify  chan struct{}

	state        atomic.Value
	inflight     sync.WaitGroup
	dispatchDone chan struct{}
}

func NewCoordinator(ctx context.Context, config *types.ClientConfig, transport Transport, logger types.Logger, metrics types.MetricsManager) (*Coordinator, error) {
	if config == nil {
		config = &types.ClientConfig{}
	}

	concurrency := config.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	dispatchDelay := config.DispatchDelay
	if dispatchDelay <= 0 {
		dispatchDelay = 100 * time.Millisecond
	}
	cacheTTL := config.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	backend, err := cache.NewMemoryBackend(ctx, logger, &types.CacheConfig{Type: "memory"})
	if err != nil {
		return nil, types.WrapError(err, "failed to create response cache")
	}

	coordinatorCtx, cancel := context.WithCancel(ctx)

	c := &Coordinator{
		ctx:          coordinatorCtx,
		cancel:       cancel,
		logger:       logger,
		metrics:      metrics,
		transport:    transport,
		responses:    cache.New(backend, logger, metrics, cache.WithDefaultTTL(cacheTTL)),
		cacheTTL:     cacheTTL,
		monitor:      NewMonitor(MonitorConfigFrom(config), logger),
		resolver:     NewResolver(config.BaseURL, config.DefaultOrigin, logger),
		tasks:        NewTaskRunner(coordinatorCtx, logger, 64),
		limiter:      rate.NewLimiter(rate.Every(dispatchDelay), 1),
		slots:        make(chan struct{}, concurrency),
		pending:      make(map[string]*pendingRequest),
		notify:       make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
	}

	c.state.Store(CoordinatorStateStopped)
	return c, nil
}

func (c *Coordinator) Monitor() *Monitor {
	return c.monitor
}

func (c *Coordinator) Tasks() *TaskRunner {
	return c.tasks
}

func (c *Coordinator) Resolver() *Resolver {
	return c.resolver
}

func (c *Coordinator) Start() error {
	if !c.transitionState(CoordinatorStateStopped, CoordinatorStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := c.responses.Backend().Start(); err != nil {
		c.setState(CoordinatorStateStopped)
		return types.WrapError(err, "failed to start response cache")
	}

	go c.dispatchLoop()

	c.setState(CoordinatorStateRunning)
	c.logger.Info("Request coordinator started", zap.Int("max_concurrency", cap(c.slots)))
	return nil
}

func (c *Coordinator) Stop() error {
	if !c.transitionState(CoordinatorStateRunning, CoordinatorStateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(CoordinatorStateStopped)

	c.cancel()
	<-c.dispatchDone

	for _, queued := range c.drainQueue() {
		c.settle(queued.key, queued.pending, nil, &RequestError{
			Method: queued.request.method(),
			URL:    queued.request.URL,
			Err:    types.ErrClientStopped,
		})
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		c.logger.Warn("Request coordinator stop timeout")
	}

	if err := c.tasks.Stop(shutdownTimeout); err != nil {
		c.logger.Warn("Background tasks did not finish", zap.Error(err))
	}

	if err := c.responses.Backend().Stop(); err != nil {
		c.logger.Error("Failed to stop response cache", zap.Error(err))
	}

	c.logger.Info("Request coordinator stopped")
	return nil
}

func (c *Coordinator) IsRunning() bool {
	return c.getState() == CoordinatorStateRunning
}

// Do executes req, sharing the exchange with identical in-flight requests.
// Non-2xx responses are returned, not errors; only a failed exchange yields
// a *RequestError.
func (c *Coordinator) Do(ctx context.Context, req *Request) (*Response, error) {
	if !c.IsRunning() {
		return nil, types.ErrClientStopped
	}

	r := req.clone()
	r.Method = r.method()
	r.URL = c.resolver.Resolve(r.URL)
	key := r.Method + ":" + r.URL + ":" + string(r.Body)
	cacheable := r.Method == "GET" && !r.SkipCache

	if cacheable {
		if cached, ok := cache.GetAs[Response](ctx, c.responses, key); ok {
			c.metrics.Counter("coordinator_requests_total", map[string]string{"outcome": "cached"}).Inc()
			return cached.Clone(), nil
		}
	}

	c.pendingMu.Lock()
	if existing, ok := c.pending[key]; ok {
		c.pendingMu.Unlock()
		c.metrics.Counter("coordinator_requests_total", map[string]string{"outcome": "joined"}).Inc()
		return wait(ctx, existing)
	}

	p := &pendingRequest{done: make(chan struct{}), createdAt: time.Now()}
	c.pending[key] = p
	c.pendingMu.Unlock()

	time.AfterFunc(pendingTimeout, func() { c.forget(key, p) })
	c.metrics.Counter("coordinator_requests_total", map[string]string{"outcome": "dispatched"}).Inc()

	queued := &queuedRequest{key: key, request: r, pending: p}
	if r.Method == "GET" {
		c.enqueue(queued)
	} else {
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.execute(queued)
		}()
	}

	return wait(ctx, p)
}

// Prefetch warms the response cache for urls without blocking the caller.
// Outcomes arrive on Tasks().Events().
func (c *Coordinator) Prefetch(urls ...string) {
	for _, u := range urls {
		target := u
		c.tasks.Submit("prefetch:"+target, func(ctx context.Context) error {
			_, err := c.Do(ctx, &Request{Method: "GET", URL: target})
			return err
		})
	}
}

// Invalidate drops a cached GET response.
func (c *Coordinator) Invalidate(rawURL string) {
	c.responses.Delete(c.ctx, "GET:"+c.resolver.Resolve(rawURL)+":")
}

func wait(ctx context.Context, p *pendingRequest) (*Response, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.response.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) enqueue(q *queuedRequest) {
	c.queueMu.Lock()
	c.queue = append(c.queue, q)
	c.queueMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dequeue() *queuedRequest {
	for {
		c.queueMu.Lock()
		if len(c.queue) > 0 {
			q := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.queueMu.Unlock()
			return q
		}
		c.queueMu.Unlock()

		select {
		case <-c.notify:
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Coordinator) drainQueue() []*queuedRequest {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	drained := c.queue
	c.queue = nil
	return drained
}

func (c *Coordinator) dispatchLoop() {
	defer close(c.dispatchDone)

	for {
		// A request leaves the queue only once a slot is free.
		select {
		case c.slots <- struct{}{}:
		case <-c.ctx.Done():
			return
		}

		q := c.dequeue()
		if q == nil {
			<-c.slots
			return
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			<-c.slots
			c.requeueFront(q)
			return
		}

		c.inflight.Add(1)
		go func() {
			defer func() {
				<-c.slots
				c.inflight.Done()
			}()
			c.execute(q)
		}()
	}
}

func (c *Coordinator) requeueFront(q *queuedRequest) {
	c.queueMu.Lock()
	c.queue = append([]*queuedRequest{q}, c.queue...)
	c.queueMu.Unlock()
}

func (c *Coordinator) execute(q *queuedRequest) {
	r := q.request

	if delay := c.monitor.Track(endpointOf(r.URL)); delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			c.settle(q.key, q.pending, nil, &RequestError{Method: r.Method, URL: r.URL, Err: types.ErrClientStopped})
			return
		}
	}

	resp, err := c.transport.Do(c.ctx, r)
	if err != nil {
		c.logger.Warn("Request failed",
			zap.String("method", r.Method),
			zap.String("url", r.URL),
			zap.Error(err))
		c.settle(q.key, q.pending, nil, &RequestError{Method: r.Method, URL: r.URL, Err: err})
		return
	}

	if r.Method == "GET" && !r.SkipCache && resp.OK() {
		cache.SetAs(c.ctx, c.responses, q.key, resp, cache.WithTTL(c.cacheTTL))
	}

	c.settle(q.key, q.pending, resp, nil)
}

func (c *Coordinator) settle(key string, p *pendingRequest, resp *Response, err error) {
	c.forget(key, p)

	p.response = resp
	p.err = err
	close(p.done)
}

// forget removes p only if it is still the pending entry for key.
func (c *Coordinator) forget(key string, p *pendingRequest) {
	c.pendingMu.Lock()
	if c.pending[key] == p {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
}

func (c *Coordinator) getState() CoordinatorState {
	return c.state.Load().(CoordinatorState)
}

func (c *Coordinator) setState(state CoordinatorState) {
	c.state.Store(state)
}

func (c *Coordinator) transitionState(from, to CoordinatorState) bool {
	return c.state.CompareAndSwap(from, to)
}
