package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// FallbackBackend serves from primary until it reports a connectivity error,
// then from secondary until a background probe reaches primary again.
type FallbackBackend struct {
	ctx           context.Context
	cancel        context.CancelFunc
	primary       Backend
	secondary     Backend
	logger        types.Logger
	metrics       types.MetricsManager
	active        atomic.Pointer[Backend]
	probeInterval time.Duration
	started       int32
	probeDone     chan struct{}
}

func NewFallbackBackend(ctx context.Context, primary, secondary Backend, logger types.Logger, metrics types.MetricsManager, probeInterval time.Duration) *FallbackBackend {
	backendCtx, cancel := context.WithCancel(ctx)

	fb := &FallbackBackend{
		ctx:           backendCtx,
		cancel:        cancel,
		primary:       primary,
		secondary:     secondary,
		logger:        logger,
		metrics:       metrics,
		probeInterval: probeInterval,
		probeDone:     make(chan struct{}),
	}
	fb.active.Store(&fb.primary)

	return fb
}

func (f *FallbackBackend) Kind() BackendKind {
	return (*f.active.Load()).Kind()
}

func (f *FallbackBackend) current() Backend {
	return *f.active.Load()
}

func (f *FallbackBackend) degraded() bool {
	return f.active.Load() == &f.secondary
}

func (f *FallbackBackend) swapToSecondary(err error) {
	if f.active.CompareAndSwap(&f.primary, &f.secondary) {
		f.logger.Warn("Cache primary unreachable, switching to fallback",
			zap.String("primary", f.primary.Kind().String()),
			zap.String("fallback", f.secondary.Kind().String()),
			zap.Error(err))
		f.metrics.Counter("cache_backend_fallbacks_total", map[string]string{"direction": "to_memory"}).Inc()
	}
}

func (f *FallbackBackend) swapToPrimary() {
	if f.active.CompareAndSwap(&f.secondary, &f.primary) {
		// Entries written while degraded may be stale against the primary.
		if err := f.secondary.Clear(f.ctx, ""); err != nil {
			f.logger.Error("Failed to clear fallback cache", zap.Error(err))
		}
		f.logger.Info("Cache primary reachable again, switching back",
			zap.String("primary", f.primary.Kind().String()))
		f.metrics.Counter("cache_backend_fallbacks_total", map[string]string{"direction": "to_primary"}).Inc()
	}
}

// run executes op on the active backend and repeats it once on the secondary
// when the primary fails to connect.
func (f *FallbackBackend) run(op func(Backend) error) error {
	backend := f.current()
	err := op(backend)
	if err == nil || backend == f.secondary || !IsConnectivityError(err) {
		return err
	}

	f.swapToSecondary(err)
	return op(f.secondary)
}

func (f *FallbackBackend) Get(ctx context.Context, key string) (entry *types.CacheEntry, found bool, err error) {
	err = f.run(func(b Backend) error {
		var opErr error
		entry, found, opErr = b.Get(ctx, key)
		return opErr
	})
	return entry, found, err
}

func (f *FallbackBackend) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	return f.run(func(b Backend) error {
		return b.Set(ctx, key, entry)
	})
}

func (f *FallbackBackend) Delete(ctx context.Context, key string) error {
	return f.run(func(b Backend) error {
		return b.Delete(ctx, key)
	})
}

func (f *FallbackBackend) DeleteByTag(ctx context.Context, tag string) error {
	return f.run(func(b Backend) error {
		return b.DeleteByTag(ctx, tag)
	})
}

func (f *FallbackBackend) Has(ctx context.Context, key string) (exists bool, err error) {
	err = f.run(func(b Backend) error {
		var opErr error
		exists, opErr = b.Has(ctx, key)
		return opErr
	})
	return exists, err
}

func (f *FallbackBackend) Size(ctx context.Context, namespace string) (size int, err error) {
	err = f.run(func(b Backend) error {
		var opErr error
		size, opErr = b.Size(ctx, namespace)
		return opErr
	})
	return size, err
}

func (f *FallbackBackend) Clear(ctx context.Context, namespace string) error {
	return f.run(func(b Backend) error {
		return b.Clear(ctx, namespace)
	})
}

func (f *FallbackBackend) Start() error {
	if !atomic.CompareAndSwapInt32(&f.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if err := f.secondary.Start(); err != nil {
		return types.WrapError(err, "failed to start fallback cache")
	}
	if err := f.primary.Start(); err != nil {
		_ = f.secondary.Stop()
		return types.WrapError(err, "failed to start primary cache")
	}

	go f.probeLoop()

	return nil
}

func (f *FallbackBackend) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	f.cancel()
	<-f.probeDone

	if err := f.primary.Stop(); err != nil {
		f.logger.Error("Failed to stop primary cache", zap.Error(err))
	}
	if err := f.secondary.Stop(); err != nil {
		f.logger.Error("Failed to stop fallback cache", zap.Error(err))
	}

	return nil
}

func (f *FallbackBackend) IsRunning() bool {
	return atomic.LoadInt32(&f.started) == 1
}

func (f *FallbackBackend) probeLoop() {
	defer close(f.probeDone)

	p, ok := f.primary.(pinger)
	if !ok {
		return
	}

	ticker := time.NewTicker(f.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			if !f.degraded() {
				continue
			}
			if err := p.Ping(f.ctx); err != nil {
				f.logger.Debug("Cache primary probe failed", zap.Error(err))
				continue
			}
			f.swapToPrimary()
		}
	}
}
