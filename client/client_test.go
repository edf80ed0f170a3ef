package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  10 * time.Second,
		HalfOpenRequests: 1,
	}, logger.NewNop(), "upstream")
	cb.now = func() time.Time { return now }

	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.GetStateString())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())
	assert.False(t, cb.CanExecute())

	now = now.Add(10 * time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.GetStateString())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())

	now = now.Add(10 * time.Second)
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetStateString())

	cb.Stop()
	assert.False(t, cb.CanExecute())
}

func TestDisabledCircuitBreakerAlwaysAllows(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNop(), "upstream")
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.GetStateString())
}

func TestIsCircuitBreakerFailure(t *testing.T) {
	assert.True(t, IsCircuitBreakerFailure(0, errors.New("dial")))
	assert.True(t, IsCircuitBreakerFailure(503, nil))
	assert.True(t, IsCircuitBreakerFailure(408, nil))
	assert.False(t, IsCircuitBreakerFailure(429, nil))
	assert.False(t, IsCircuitBreakerFailure(404, nil))
	assert.False(t, IsCircuitBreakerFailure(200, nil))
}

func TestTaskRunnerReportsOutcomes(t *testing.T) {
	runner := NewTaskRunner(context.Background(), logger.NewNop(), 4)

	runner.Submit("ok", func(context.Context) error { return nil })
	runner.Submit("fails", func(context.Context) error { return errors.New("boom") })
	runner.Submit("panics", func(context.Context) error { panic("bad") })
	runner.Wait()

	results := make(map[string]error)
	for i := 0; i < 3; i++ {
		event := <-runner.Events()
		results[event.Name] = event.Err
	}

	assert.NoError(t, results["ok"])
	assert.EqualError(t, results["fails"], "boom")
	assert.ErrorContains(t, results["panics"], "task panicked")
	assert.NoError(t, runner.Stop(time.Second))
}

func newInmemoryTransport(t *testing.T, handler fasthttp.RequestHandler, config *types.ClientConfig) *FastHTTPTransport {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: handler}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	if config == nil {
		config = &types.ClientConfig{}
	}
	transport := NewFastHTTPTransport(config, logger.NewNop(), metrics.NewNop())
	transport.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	t.Cleanup(transport.Close)
	return transport
}

func TestFastHTTPTransportExchange(t *testing.T) {
	transport := newInmemoryTransport(t, func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("X-Echo-Tenant", string(ctx.Request.Header.Peek("x-tenant-slug")))
		ctx.SetContentType(string(ctx.Request.Header.ContentType()))
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBody(ctx.PostBody())
	}, nil)

	resp, err := transport.Do(context.Background(), &Request{
		Method: "post",
		URL:    "http://upstream.test/api/projects",
		Header: map[string]string{"x-tenant-slug": "acme"},
		Body:   []byte(`{"name":"p"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, `{"name":"p"}`, string(resp.Body))
	assert.Equal(t, "acme", resp.HeaderValue("X-Echo-Tenant"))
	assert.Equal(t, "application/json", resp.HeaderValue("Content-Type"))
}

func TestFastHTTPTransportOpensBreaker(t *testing.T) {
	transport := newInmemoryTransport(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}, &types.ClientConfig{CircuitBreaker: &types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}})

	for i := 0; i < 2; i++ {
		resp, err := transport.Do(context.Background(), &Request{URL: "http://upstream.test/health"})
		require.NoError(t, err)
		assert.Equal(t, 503, resp.StatusCode)
	}

	_, err := transport.Do(context.Background(), &Request{URL: "http://upstream.test/health"})
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.Equal(t, "open", transport.Breaker().GetStateString())
}

func TestClosedTransportRefuses(t *testing.T) {
	transport := NewFastHTTPTransport(&types.ClientConfig{}, logger.NewNop(), metrics.NewNop())
	transport.Close()

	_, err := transport.Do(context.Background(), &Request{URL: "http://upstream.test/"})
	assert.ErrorIs(t, err, types.ErrClientStopped)
}
