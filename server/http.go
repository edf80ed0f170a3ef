package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/middleware"
	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultShutdownTimeout = 30 * time.Second

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.HTTPConfig
	logger          types.Logger
	middlewares     *middleware.Manager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(ctx context.Context, config *types.HTTPConfig, logger types.Logger, middlewares *middleware.Manager) *FastHTTPServer {
	if config == nil {
		config = &types.HTTPConfig{Host: "0.0.0.0", Port: 8080}
	}

	shutdownTimeout := defaultShutdownTimeout
	if config.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		middlewares:     middlewares,
		router:          NewRouter(),
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)
	return server
}

// Handle registers a route. Registration errors are programming errors and
// are logged rather than returned.
func (h *FastHTTPServer) Handle(method, path string, handler fasthttp.RequestHandler, config *types.RouteConfig) {
	if config == nil {
		config = &types.RouteConfig{}
	}

	if config.Timeout > 0 {
		handler = fasthttp.TimeoutHandler(handler, config.Timeout, "Request timeout")
	}
	if h.middlewares != nil {
		handler = h.middlewares.Wrap(handler, config)
	}

	if err := h.router.Add(method, path, handler, config); err != nil {
		h.logger.Error("Failed to register route",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
	}
}

// Handler is the root request handler. Exposed so tests can drive the
// server without a socket.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		rt, params, allowed := h.router.Lookup(string(ctx.Method()), normalizePathBytes(ctx.Path()))
		if rt == nil {
			if allowed {
				utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
				return
			}
			utils.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "Not found")
			return
		}

		for name, value := range params {
			ctx.SetUserValue(name, value)
		}
		rt.handler(ctx)
	}
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.WrapError(err, "failed to listen")
	}

	h.serve(listener)

	h.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))
	return nil
}

// Serve runs the server on an existing listener.
func (h *FastHTTPServer) Serve(listener net.Listener) error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}
	h.serve(listener)
	return nil
}

func (h *FastHTTPServer) serve(listener net.Listener) {
	h.listener = listener
	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		ReadTimeout:                  time.Duration(h.config.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.config.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.config.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	server := h.server
	go func() {
		if err := server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.ShutdownWithContext(ctx); err != nil {
		h.logger.Warn("HTTP server stop timeout, some connections may not have closed gracefully", zap.Error(err))
		return nil
	}

	h.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) {
	h.state.Store(newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
