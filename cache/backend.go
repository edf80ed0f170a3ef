package cache

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

// BackendKind tags which store is currently serving a Backend.
type BackendKind int

const (
	BackendMemory BackendKind = iota
	BackendRedis
)

func (k BackendKind) String() string {
	switch k {
	case BackendMemory:
		return "memory"
	case BackendRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// Backend stores encoded entries and maintains the tag index. Size and Clear
// are restricted to keys starting with namespace; an empty namespace covers
// the whole store.
type Backend interface {
	types.LifecycleManager
	Kind() BackendKind
	Get(ctx context.Context, key string) (*types.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *types.CacheEntry) error
	Delete(ctx context.Context, key string) error
	DeleteByTag(ctx context.Context, tag string) error
	Has(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, namespace string) (int, error)
	Clear(ctx context.Context, namespace string) error
}

type BackendCreator func(config interface{}) (Backend, error)

var customBackendCreators = make(map[string]BackendCreator)

func RegisterBackend(backendName string, creator BackendCreator) {
	customBackendCreators[backendName] = creator
}

// NewBackend picks the store named by the config. A redis store that cannot
// be reached at construction degrades to memory; a reachable one is wrapped
// in a FallbackBackend. Only an unknown type or a broken config block is an
// error.
func NewBackend(ctx context.Context, cacheConfig *types.CacheConfig, logger types.Logger, metrics types.MetricsManager) (Backend, error) {
	backendName := cacheConfig.Type

	switch backendName {
	case "", "memory":
		return NewMemoryBackend(ctx, logger, cacheConfig)
	case "redis":
		memory, err := NewMemoryBackend(ctx, logger, cacheConfig)
		if err != nil {
			return nil, err
		}

		redisConfig, err := parseRedisConfig(cacheConfig.Config)
		if err != nil {
			return nil, err
		}

		remote, err := NewRedisBackend(ctx, logger, redisConfig)
		if err != nil {
			logger.Warn("Redis cache unavailable, using memory cache",
				zap.String("addr", redisConfig.Addr),
				zap.Error(err))
			metrics.Counter("cache_backend_fallbacks_total", map[string]string{"direction": "to_memory"}).Inc()
			return memory, nil
		}

		return NewFallbackBackend(ctx, remote, memory, logger, metrics, parseDuration(redisConfig.ProbeInterval, 30*time.Second)), nil
	default:
		if creator, exists := customBackendCreators[backendName]; exists {
			return creator(cacheConfig.Config)
		}
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", backendName)
	}
}

// IsConnectivityError reports whether err means the remote store could not
// be reached, as opposed to a bad request or bad data.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, types.ErrCacheConnectionFailed) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// HealthChecker reports degraded while a redis deployment is served from
// memory.
func HealthChecker(backend Backend, configured string) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		kind := backend.Kind()
		check := types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"backend":    kind.String(),
				"configured": configured,
			},
		}

		if configured == "redis" && kind != BackendRedis {
			check.Status = types.StatusDegraded
			check.Message = "serving from memory fallback"
		}

		return check
	}
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
