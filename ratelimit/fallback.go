package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/cache"
	"github.com/patent-drafter/reqcore/types"
)

// FallbackStore consumes from the redis store and switches to the memory
// store on the first connectivity error. A probe switches back.
type FallbackStore struct {
	ctx           context.Context
	cancel        context.CancelFunc
	primary       *RedisStore
	secondary     *MemoryStore
	logger        types.Logger
	metrics       types.MetricsManager
	degraded      atomic.Bool
	probeInterval time.Duration
	running       int32
	probeDone     chan struct{}
}

func NewFallbackStore(ctx context.Context, primary *RedisStore, secondary *MemoryStore, logger types.Logger, metrics types.MetricsManager, probeInterval time.Duration) *FallbackStore {
	storeCtx, cancel := context.WithCancel(ctx)

	return &FallbackStore{
		ctx:           storeCtx,
		cancel:        cancel,
		primary:       primary,
		secondary:     secondary,
		logger:        logger,
		metrics:       metrics,
		probeInterval: probeInterval,
		probeDone:     make(chan struct{}),
	}
}

func (fs *FallbackStore) Kind() string {
	if fs.degraded.Load() {
		return fs.secondary.Kind()
	}
	return fs.primary.Kind()
}

func (fs *FallbackStore) Consume(ctx context.Context, class, key string, points int, quota types.Quota) (types.RateLimitResult, error) {
	if !fs.degraded.Load() {
		result, err := fs.primary.Consume(ctx, class, key, points, quota)
		if err == nil || !cache.IsConnectivityError(err) {
			return result, err
		}
		fs.degrade(err)
	}
	return fs.secondary.Consume(ctx, class, key, points, quota)
}

func (fs *FallbackStore) Reset(ctx context.Context, class, key string) error {
	_ = fs.secondary.Reset(ctx, class, key)
	if fs.degraded.Load() {
		return nil
	}
	return fs.primary.Reset(ctx, class, key)
}

func (fs *FallbackStore) degrade(err error) {
	if fs.degraded.CompareAndSwap(false, true) {
		fs.logger.Warn("Rate limit store unreachable, switching to memory", zap.Error(err))
		fs.metrics.Counter("ratelimit_store_fallbacks_total", map[string]string{"direction": "to_memory"}).Inc()
	}
}

func (fs *FallbackStore) Start() error {
	if !atomic.CompareAndSwapInt32(&fs.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if err := fs.secondary.Start(); err != nil {
		return err
	}
	if err := fs.primary.Start(); err != nil {
		_ = fs.secondary.Stop()
		return err
	}

	go fs.probeLoop()
	return nil
}

func (fs *FallbackStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&fs.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	fs.cancel()
	<-fs.probeDone

	if err := fs.primary.Stop(); err != nil {
		fs.logger.Error("Failed to stop redis rate limit store", zap.Error(err))
	}
	return fs.secondary.Stop()
}

func (fs *FallbackStore) IsRunning() bool {
	return atomic.LoadInt32(&fs.running) == 1
}

func (fs *FallbackStore) probeLoop() {
	defer close(fs.probeDone)

	ticker := time.NewTicker(fs.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.ctx.Done():
			return
		case <-ticker.C:
			if !fs.degraded.Load() {
				continue
			}
			if err := fs.primary.Ping(fs.ctx); err != nil {
				continue
			}
			if fs.degraded.CompareAndSwap(true, false) {
				fs.logger.Info("Rate limit store reachable again, switching back")
				fs.metrics.Counter("ratelimit_store_fallbacks_total", map[string]string{"direction": "to_primary"}).Inc()
			}
		}
	}
}
