package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/types"
)

func newPrometheusManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled:   true,
		Type:      "prometheus",
		Namespace: "drafter",
	}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestPrometheusCounterSharesVector(t *testing.T) {
	m := newPrometheusManager(t)

	hits := m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"})
	misses := m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"})

	hits.Inc()
	hits.Add(2)
	misses.Inc()

	assert.Equal(t, float64(3), hits.Get())
	assert.Equal(t, float64(1), misses.Get())
	assert.Equal(t, float64(3), m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Get())
}

func TestPrometheusGaugeAndHistogram(t *testing.T) {
	m := newPrometheusManager(t)

	g := m.Gauge("queue_depth", nil)
	g.Set(4)
	g.Inc()
	g.Dec()
	g.Add(2)
	assert.Equal(t, float64(6), g.Get())

	h := m.Histogram("dispatch_seconds", nil, map[string]string{"method": "GET"})
	h.Observe(0.5)
	h.ObserveDuration(time.Now().Add(-time.Second))
	assert.Equal(t, uint64(2), h.GetCount())
	assert.Greater(t, h.GetSum(), 1.4)
}

func TestPrometheusHandlerExposesSeries(t *testing.T) {
	m := newPrometheusManager(t)
	m.Counter("jobs_enqueued_total", nil).Inc()

	handler := m.Handler()
	require.NotNil(t, handler)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	handler(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.True(t, strings.Contains(string(ctx.Response.Body()), "drafter_jobs_enqueued_total 1"))

	snapshot, err := m.GetMetrics()
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), "drafter_jobs_enqueued_total")
}

func TestDisabledManagerIsNop(t *testing.T) {
	m, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: false}, logger.NewNop())
	require.NoError(t, err)

	c := m.Counter("anything", nil)
	c.Inc()
	assert.Zero(t, c.Get())
	assert.Nil(t, m.Handler())

	_, err = NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "statsd"}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}
