package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newMemoryCache(t *testing.T, clock *fakeClock) (*Cache, *MemoryBackend) {
	t.Helper()

	backend, err := NewMemoryBackend(context.Background(), logger.NewNop(), &types.CacheConfig{Type: "memory"})
	require.NoError(t, err)
	backend.now = clock.Now

	return New(backend, logger.NewNop(), metrics.NewNop(), WithClock(clock.Now)), backend
}

type project struct {
	Name string `json:"name"`
}

func TestSetGetRespectsTTL(t *testing.T) {
	clock := newFakeClock()
	c, _ := newMemoryCache(t, clock)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), WithTTL(10*time.Second))

	clock.Advance(9999 * time.Millisecond)
	value, found := c.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
	assert.True(t, c.Has(ctx, "k"))

	clock.Advance(time.Millisecond)
	_, found = c.Get(ctx, "k")
	assert.False(t, found)
	assert.False(t, c.Has(ctx, "k"))
	assert.Zero(t, c.Size(ctx))
}

func TestDeleteByTagRemovesOnlyTaggedKeys(t *testing.T) {
	c, backend := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), WithTags("project:1", "list"))
	c.Set(ctx, "b", []byte("2"), WithTags("project:1"))
	c.Set(ctx, "c", []byte("3"), WithTags("project:2"))
	c.Set(ctx, "d", []byte("4"))
	// re-tagged key no longer belongs to project:1
	c.Set(ctx, "e", []byte("5"), WithTags("project:1"))
	c.Set(ctx, "e", []byte("5"), WithTags("project:2"))

	c.DeleteByTag(ctx, "project:1")

	for _, key := range []string{"a", "b"} {
		assert.False(t, c.Has(ctx, key), key)
	}
	for _, key := range []string{"c", "d", "e"} {
		assert.True(t, c.Has(ctx, key), key)
	}

	backend.mu.Lock()
	_, listTracked := backend.tags["list"]
	_, projectTracked := backend.tags["project:1"]
	backend.mu.Unlock()
	assert.False(t, listTracked)
	assert.False(t, projectTracked)
}

func TestProjectScenario(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	SetAs(ctx, c, "proj:42", project{Name: "Widget"}, WithTTL(60*time.Second), WithTags("project:42"))

	got, found := GetAs[project](ctx, c, "proj:42")
	require.True(t, found)
	assert.Equal(t, "Widget", got.Name)

	c.DeleteByTag(ctx, "project:42")

	_, found = GetAs[project](ctx, c, "proj:42")
	assert.False(t, found)
}

func TestGetEntryCarriesETagAndTags(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	c.ForTenant("acme").Set(ctx, "k", []byte("v"), WithETag(`"abc"`), WithTags("t1"), WithTTL(time.Minute))

	entry, found := c.ForTenant("acme").GetEntry(ctx, "k")
	require.True(t, found)
	assert.Equal(t, `"abc"`, entry.ETag)
	assert.Equal(t, []string{"t1"}, entry.Tags)
	assert.Equal(t, 60, entry.TTLSeconds)
}

func TestMalformedValueIsMiss(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	c.Set(ctx, "broken", []byte("{not json"))

	_, found := GetAs[project](ctx, c, "broken")
	assert.False(t, found)
}

func TestGetOrSetMayRunFactoryTwice(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	var calls int32
	var started sync.WaitGroup
	started.Add(2)

	factory := func(ctx context.Context) (project, error) {
		atomic.AddInt32(&calls, 1)
		started.Done()
		// both callers are inside the factory before either stores
		started.Wait()
		return project{Name: "Widget"}, nil
	}

	var wg sync.WaitGroup
	results := make([]project, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := GetOrSet(ctx, c, "proj:1", factory)
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, results[0], results[1])

	value, err := GetOrSet(ctx, c, "proj:1", factory)
	require.NoError(t, err)
	assert.Equal(t, "Widget", value.Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetOrSetFactoryErrorIsNotCached(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, err := GetOrSet(ctx, c, "k", func(ctx context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Has(ctx, "k"))
}

func TestTenantIsolation(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	acme := c.ForTenant("acme")
	globex := c.ForTenant("globex")

	acme.Set(ctx, "proj:1", []byte("acme"), WithTags("project:1"))
	globex.Set(ctx, "proj:1", []byte("globex"), WithTags("project:1"))
	globex.Set(ctx, "proj:2", []byte("globex"))

	value, found := acme.Get(ctx, "proj:1")
	require.True(t, found)
	assert.Equal(t, "acme", string(value))

	_, found = c.Get(ctx, "proj:1")
	assert.False(t, found)

	acme.DeleteByTag(ctx, "project:1")
	assert.False(t, acme.Has(ctx, "proj:1"))
	assert.True(t, globex.Has(ctx, "proj:1"))

	assert.Equal(t, 0, acme.Size(ctx))
	assert.Equal(t, 2, globex.Size(ctx))
	assert.Equal(t, 2, c.Size(ctx))

	globex.Clear(ctx)
	assert.Equal(t, 0, c.Size(ctx))
}

func TestOpportunisticSweep(t *testing.T) {
	clock := newFakeClock()
	c, backend := newMemoryCache(t, clock)
	backend.config.SweepEvery = 3
	ctx := context.Background()

	c.Set(ctx, "short", []byte("x"), WithTTL(time.Second), WithTags("t"))
	clock.Advance(2 * time.Second)
	c.Set(ctx, "b", []byte("x"))

	backend.mu.Lock()
	assert.Len(t, backend.data, 2)
	backend.mu.Unlock()

	c.Set(ctx, "c", []byte("x"))

	backend.mu.Lock()
	assert.Len(t, backend.data, 2)
	assert.NotContains(t, backend.tags, "t")
	backend.mu.Unlock()
}

func TestCachedAndEvicting(t *testing.T) {
	c, _ := newMemoryCache(t, newFakeClock())
	ctx := context.Background()

	var loads int32
	load := Cached(c,
		func(id string) string { return "proj:" + id },
		func(ctx context.Context, id string) (project, error) {
			atomic.AddInt32(&loads, 1)
			return project{Name: "p" + id}, nil
		},
		WithTags("projects"),
	)

	rename := Evicting(c,
		func(id string, _ bool) []string { return []string{"projects"} },
		func(ctx context.Context, id string) (bool, error) { return true, nil },
	)

	for i := 0; i < 3; i++ {
		p, err := load(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, "p7", p.Name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	_, err := rename(ctx, "7")
	require.NoError(t, err)

	_, err = load(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestOperationsAreInstrumented(t *testing.T) {
	m, err := metrics.NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true, Type: "prometheus", Namespace: "test",
	}, logger.NewNop())
	require.NoError(t, err)

	backend, err := NewMemoryBackend(context.Background(), logger.NewNop(), nil)
	require.NoError(t, err)
	c := New(backend, logger.NewNop(), m)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))
	c.Get(ctx, "k")
	c.Get(ctx, "missing")

	hits := m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"})
	misses := m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"})
	assert.Equal(t, float64(1), hits.Get())
	assert.Equal(t, float64(1), misses.Get())
}

func TestNewBackendSelection(t *testing.T) {
	ctx := context.Background()

	backend, err := NewBackend(ctx, &types.CacheConfig{Type: "memory"}, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, backend.Kind())

	_, err = NewBackend(ctx, &types.CacheConfig{Type: "memcached"}, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)

	backend, err = NewBackend(ctx, &types.CacheConfig{
		Type:   "redis",
		Config: map[string]interface{}{"addr": "127.0.0.1:1", "dial_timeout": "100ms"},
	}, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, backend.Kind())
}
