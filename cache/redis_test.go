package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

func newRedisCache(t *testing.T) (*Cache, *RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	backend, err := NewRedisBackend(context.Background(), logger.NewNop(), &RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.client.Close() })

	return New(backend, logger.NewNop(), metrics.NewNop()), backend, mr
}

func TestRedisSetGetAndNativeExpiry(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), WithTTL(30*time.Second), WithETag("e1"))

	assert.True(t, mr.Exists("test:key:k"))
	assert.Equal(t, 30*time.Second, mr.TTL("test:key:k"))

	entry, found := c.GetEntry(ctx, "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), entry.Data)
	assert.Equal(t, "e1", entry.ETag)

	mr.FastForward(31 * time.Second)
	_, found = c.Get(ctx, "k")
	assert.False(t, found)
}

func TestFractionalTTLRoundsUp(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "half", []byte("v"), WithTTL(1500*time.Millisecond))
	assert.Equal(t, 2*time.Second, mr.TTL("test:key:half"))

	c.Set(ctx, "tiny", []byte("v"), WithTTL(time.Millisecond))
	assert.Equal(t, time.Second, mr.TTL("test:key:tiny"))

	c.Set(ctx, "whole", []byte("v"), WithTTL(3*time.Second))
	assert.Equal(t, 3*time.Second, mr.TTL("test:key:whole"))
}

func TestRedisTagSetTracksLongestTTL(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), WithTTL(60*time.Second), WithTags("project:42"))
	c.Set(ctx, "b", []byte("2"), WithTTL(10*time.Second), WithTags("project:42"))
	assert.Equal(t, 60*time.Second, mr.TTL("test:tag:project:42"))

	c.Set(ctx, "c", []byte("3"), WithTTL(120*time.Second), WithTags("project:42"))
	assert.Equal(t, 120*time.Second, mr.TTL("test:tag:project:42"))

	members, err := mr.Members("test:tag:project:42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)
}

func TestRedisPlainExpireNeverShortensTagSet(t *testing.T) {
	c, backend, mr := newRedisCache(t)
	backend.plainExpire.Store(true)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), WithTTL(60*time.Second), WithTags("project:7"))
	c.Set(ctx, "b", []byte("2"), WithTTL(10*time.Second), WithTags("project:7"))
	assert.Equal(t, 60*time.Second, mr.TTL("test:tag:project:7"))

	c.Set(ctx, "c", []byte("3"), WithTTL(90*time.Second), WithTags("project:7"))
	assert.Equal(t, 90*time.Second, mr.TTL("test:tag:project:7"))

	c.DeleteByTag(ctx, "project:7")
	assert.False(t, c.Has(ctx, "a"))
	assert.False(t, c.Has(ctx, "c"))
}

type serverError string

func (e serverError) Error() string { return string(e) }
func (serverError) RedisError() {}

func TestIsExpireOptionRejected(t *testing.T) {
	assert.True(t, isExpireOptionRejected(serverError("ERR wrong number of arguments for 'expire' command")))
	assert.True(t, isExpireOptionRejected(serverError("EXECABORT Transaction discarded because of previous errors.")))
	assert.False(t, isExpireOptionRejected(serverError("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.False(t, isExpireOptionRejected(errors.New("expire failed")))
	assert.False(t, isExpireOptionRejected(nil))
}

func TestRedisDeleteByTag(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	SetAs(ctx, c, "proj:42", project{Name: "Widget"}, WithTTL(60*time.Second), WithTags("project:42"))
	c.Set(ctx, "other", []byte("x"), WithTags("project:7"))

	c.DeleteByTag(ctx, "project:42")

	_, found := GetAs[project](ctx, c, "proj:42")
	assert.False(t, found)
	assert.False(t, mr.Exists("test:tag:project:42"))
	assert.True(t, c.Has(ctx, "other"))
}

func TestRedisDeleteUnlinksTags(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), WithTags("t"))
	c.Set(ctx, "b", []byte("2"), WithTags("t"))
	c.Delete(ctx, "a")

	members, err := mr.Members("test:tag:t")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	c.Set(ctx, "b", []byte("2"), WithTags("u"))
	assert.False(t, mr.Exists("test:tag:t"))
}

func TestRedisMalformedEntryIsMiss(t *testing.T) {
	c, _, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:key:bad", "not-json"))

	_, found := c.Get(ctx, "bad")
	assert.False(t, found)
	assert.False(t, mr.Exists("test:key:bad"))
}

func TestRedisSizeAndClearByNamespace(t *testing.T) {
	c, _, _ := newRedisCache(t)
	ctx := context.Background()

	acme := c.ForTenant("acme")
	globex := c.ForTenant("globex")

	acme.Set(ctx, "a", []byte("1"), WithTags("t"))
	acme.Set(ctx, "b", []byte("1"))
	globex.Set(ctx, "a", []byte("1"))

	assert.Equal(t, 2, acme.Size(ctx))
	assert.Equal(t, 1, globex.Size(ctx))
	assert.Equal(t, 3, c.Size(ctx))

	acme.Clear(ctx)
	assert.Equal(t, 0, acme.Size(ctx))
	assert.True(t, globex.Has(ctx, "a"))
}

func TestFallbackSwapsToMemoryAndBack(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	remote, err := NewRedisBackend(ctx, logger.NewNop(), &RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"})
	require.NoError(t, err)
	memory, err := NewMemoryBackend(ctx, logger.NewNop(), nil)
	require.NoError(t, err)

	fallback := NewFallbackBackend(ctx, remote, memory, logger.NewNop(), metrics.NewNop(), 20*time.Millisecond)
	require.NoError(t, fallback.Start())
	t.Cleanup(func() { _ = fallback.Stop() })

	c := New(fallback, logger.NewNop(), metrics.NewNop())

	c.Set(ctx, "k", []byte("remote"))
	assert.Equal(t, BackendRedis, fallback.Kind())
	assert.True(t, mr.Exists("test:key:k"))

	mr.Close()

	c.Set(ctx, "k2", []byte("local"))
	assert.Equal(t, BackendMemory, fallback.Kind())

	value, found := c.Get(ctx, "k2")
	require.True(t, found)
	assert.Equal(t, "local", string(value))

	check := HealthChecker(fallback, "redis")(ctx)
	assert.Equal(t, types.StatusDegraded, check.Status)

	require.NoError(t, mr.Restart())

	assert.Eventually(t, func() bool {
		return fallback.Kind() == BackendRedis
	}, 2*time.Second, 10*time.Millisecond)

	value, found = c.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, "remote", string(value))

	_, found = c.Get(ctx, "k2")
	assert.False(t, found)
}
