package client

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

// FastHTTPTransport performs one exchange per call over a shared
// fasthttp.Client guarded by a circuit breaker.
type FastHTTPTransport struct {
	logger         types.Logger
	metrics        types.MetricsManager
	client         *fasthttp.Client
	circuitBreaker *CircuitBreaker
	state          atomic.Value
	requestTimeout time.Duration
}

func NewFastHTTPTransport(config *types.ClientConfig, logger types.Logger, metrics types.MetricsManager) *FastHTTPTransport {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &FastHTTPTransport{
		logger:  logger,
		metrics: metrics,
		client: &fasthttp.Client{
			ReadTimeout:                   timeout,
			WriteTimeout:                  timeout,
			DisableHeaderNamesNormalizing: true,
		},
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, "upstream"),
		requestTimeout: timeout,
	}

	transport.state.Store(StateRunning)
	return transport
}

func (t *FastHTTPTransport) Breaker() *CircuitBreaker {
	return t.circuitBreaker
}

func (t *FastHTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	if !t.IsRunning() {
		return nil, types.ErrClientStopped
	}

	if !t.circuitBreaker.CanExecute() {
		return nil, types.ErrCircuitBreakerOpen
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.URL)
	req.Header.SetMethod(r.method())
	for key, value := range r.Header {
		req.Header.Set(key, value)
	}
	if len(r.Body) > 0 {
		req.SetBody(r.Body)
		if len(req.Header.ContentType()) == 0 {
			req.Header.SetContentType("application/json")
		}
	}

	timeout := t.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	start := time.Now()
	err := t.client.DoTimeout(req, resp, timeout)
	statusCode := resp.StatusCode()

	if IsCircuitBreakerFailure(statusCode, err) {
		t.circuitBreaker.RecordFailure()
	} else {
		t.circuitBreaker.RecordSuccess()
	}

	status := strconv.Itoa(statusCode)
	if err != nil {
		status = "error"
	}
	t.metrics.Counter("client_requests_total", map[string]string{"method": r.method(), "status": status}).Inc()
	t.metrics.Histogram("client_request_duration_seconds", nil, map[string]string{"method": r.method()}).ObserveDuration(start)

	if err != nil {
		t.logger.Debug("Upstream request failed",
			zap.String("method", r.method()),
			zap.String("url", r.URL),
			zap.Error(err))
		return nil, types.Errorf(types.ErrClientRequestFailed, "%v", err)
	}

	out := &Response{
		StatusCode: statusCode,
		Header:     make(map[string]string),
		Body:       append([]byte(nil), resp.Body()...),
	}
	resp.Header.VisitAll(func(key, value []byte) {
		out.Header[strings.ToLower(string(key))] = string(value)
	})

	return out, nil
}

func (t *FastHTTPTransport) Close() {
	if !t.state.CompareAndSwap(StateRunning, StateStopping) {
		return
	}

	t.circuitBreaker.Stop()
	t.client.CloseIdleConnections()
	t.state.Store(StateStopped)

	t.logger.Debug("HTTP transport closed")
}

func (t *FastHTTPTransport) IsRunning() bool {
	return t.state.Load().(State) == StateRunning
}
