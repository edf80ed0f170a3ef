package ratelimit

import (
	"context"
	"hash"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const shardCount = 128

type record struct {
	consumed  int
	expiresAt int64
	blocked   bool
}

type shard struct {
	records map[string]*record
	mu      sync.Mutex
	_       [56]byte
}

// MemoryStore keeps fixed windows per (class, key) in hashed shards. A class
// with a block duration turns the first over-quota consumption into a lockout
// that lasts BlockDuration from that moment.
type MemoryStore struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	shards          [shardCount]*shard
	hasherPool      sync.Pool
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	workerGroup     sync.WaitGroup
	running         int32
	now             func() time.Time
}

func NewMemoryStore(ctx context.Context, logger types.Logger, cleanupInterval time.Duration) *MemoryStore {
	storeCtx, cancel := context.WithCancel(ctx)

	ms := &MemoryStore{
		ctx:             storeCtx,
		cancel:          cancel,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return fnv.New32a()
			},
		},
	}

	for i := range ms.shards {
		ms.shards[i] = &shard{records: make(map[string]*record, 64)}
	}

	return ms
}

func (ms *MemoryStore) Kind() string {
	return "memory"
}

func (ms *MemoryStore) Consume(_ context.Context, class, key string, points int, quota types.Quota) (types.RateLimitResult, error) {
	id := class + ":" + key
	s := ms.getShard(id)
	now := ms.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists || now >= rec.expiresAt {
		rec = &record{
			consumed:  points,
			expiresAt: now + quota.Duration.Milliseconds(),
		}
		s.records[id] = rec

		if points <= quota.Points {
			return types.RateLimitResult{
				Allowed:         true,
				RemainingPoints: quota.Points - points,
				MsBeforeNext:    rec.expiresAt - now,
				ConsumedPoints:  points,
			}, nil
		}
		return ms.reject(rec, now, points, quota), nil
	}

	if rec.blocked {
		return types.RateLimitResult{
			Allowed:      false,
			MsBeforeNext: rec.expiresAt - now,
		}, nil
	}

	rec.consumed += points
	if rec.consumed <= quota.Points {
		return types.RateLimitResult{
			Allowed:         true,
			RemainingPoints: quota.Points - rec.consumed,
			MsBeforeNext:    rec.expiresAt - now,
			ConsumedPoints:  rec.consumed,
		}, nil
	}

	return ms.reject(rec, now, points, quota), nil
}

// reject reports the attempted total and drops the rejected points from the
// window.
func (ms *MemoryStore) reject(rec *record, now int64, points int, quota types.Quota) types.RateLimitResult {
	attempted := rec.consumed
	rec.consumed -= points

	if quota.BlockDuration > 0 {
		rec.blocked = true
		rec.expiresAt = now + quota.BlockDuration.Milliseconds()
	}

	return types.RateLimitResult{
		Allowed:        false,
		MsBeforeNext:   rec.expiresAt - now,
		ConsumedPoints: attempted,
	}
}

func (ms *MemoryStore) Reset(_ context.Context, class, key string) error {
	id := class + ":" + key
	s := ms.getShard(id)

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	return nil
}

func (ms *MemoryStore) getShard(id string) *shard {
	hasher := ms.hasherPool.Get().(hash.Hash32)
	defer ms.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(id))

	return ms.shards[hasher.Sum32()&(shardCount-1)]
}

func (ms *MemoryStore) Start() error {
	if !atomic.CompareAndSwapInt32(&ms.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	ms.workerGroup.Add(1)
	go ms.cleanupWorker()

	return nil
}

func (ms *MemoryStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&ms.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	close(ms.stopCleanup)
	ms.cancel()

	done := make(chan struct{})
	go func() {
		ms.workerGroup.Wait()
		close(done)
	}()

	select {
	case <-done:
		ms.logger.Info("Rate limit memory store stopped gracefully")
		return nil
	case <-time.After(5 * time.Second):
		ms.logger.Warn("Rate limit memory store stop timeout")
		return types.NewErrorf("timeout waiting for rate limit cleanup worker")
	}
}

func (ms *MemoryStore) IsRunning() bool {
	return atomic.LoadInt32(&ms.running) == 1
}

func (ms *MemoryStore) cleanupWorker() {
	defer ms.workerGroup.Done()

	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.cleanup()
		case <-ms.ctx.Done():
			return
		case <-ms.stopCleanup:
			return
		}
	}
}

func (ms *MemoryStore) cleanup() int {
	now := ms.now().UnixMilli()

	removed := 0
	for _, s := range ms.shards {
		s.mu.Lock()
		for id, rec := range s.records {
			if now >= rec.expiresAt {
				delete(s.records, id)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		ms.logger.Debug("Rate limit records swept", zap.Int("removed", removed))
	}
	return removed
}
