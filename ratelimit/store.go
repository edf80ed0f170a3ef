package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

// Store consumes points from the record of (class, key) under quota.
type Store interface {
	types.LifecycleManager
	Kind() string
	Consume(ctx context.Context, class, key string, points int, quota types.Quota) (types.RateLimitResult, error)
	Reset(ctx context.Context, class, key string) error
}

type StoreConfig struct {
	Addr            string `json:"addr"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	KeyPrefix       string `json:"key_prefix"`
	CleanupInterval string `json:"cleanup_interval"`
	ProbeInterval   string `json:"probe_interval"`
}

// NewStore builds the configured store. "redis" always comes back as a
// FallbackStore over memory, or as plain memory when redis is unreachable.
func NewStore(ctx context.Context, config *types.RateLimitConfig, logger types.Logger, metrics types.MetricsManager) (Store, error) {
	var storeConfig = &StoreConfig{
		Addr:            "localhost:6379",
		KeyPrefix:       "drafter:ratelimit",
		CleanupInterval: "5m",
		ProbeInterval:   "30s",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, storeConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal rate limit store config")
		}
	}

	memory := NewMemoryStore(ctx, logger, parseDuration(storeConfig.CleanupInterval, 5*time.Minute))

	switch config.Store {
	case "", "memory":
		return memory, nil
	case "redis":
		remote, err := NewRedisStore(ctx, logger, storeConfig)
		if err != nil {
			logger.Warn("Redis rate limit store unavailable, using memory store",
				zap.String("addr", storeConfig.Addr),
				zap.Error(err))
			return memory, nil
		}
		return NewFallbackStore(ctx, remote, memory, logger, metrics, parseDuration(storeConfig.ProbeInterval, 30*time.Second)), nil
	default:
		return nil, types.Errorf(types.ErrRateLimitStoreUnknown, "store: %s", config.Store)
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
