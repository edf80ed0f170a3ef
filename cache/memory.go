package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	SweepEvery      int    `json:"sweep_every"`
	CleanupInterval string `json:"cleanup_interval"`
}

type MemoryBackend struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      *MemoryConfig
	logger      types.Logger
	data        map[string]*types.CacheEntry
	tags        map[string]map[string]struct{}
	writes      uint64
	mu          sync.Mutex
	state       atomic.Value
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	now         func() time.Time
}

func NewMemoryBackend(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*MemoryBackend, error) {
	var memConfig = &MemoryConfig{
		SweepEvery:      100,
		CleanupInterval: "5m",
	}

	if config != nil && config.Type == "memory" && config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryBackend{
		ctx:         cacheCtx,
		cancel:      cancel,
		logger:      logger,
		config:      memConfig,
		data:        make(map[string]*types.CacheEntry),
		tags:        make(map[string]map[string]struct{}),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		now:         time.Now,
	}

	cache.state.Store(MemoryStateStopped)

	return cache, nil
}

func (m *MemoryBackend) Kind() BackendKind {
	return BackendMemory
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*types.CacheEntry, bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		return nil, false, nil
	}

	if !entry.IsValid(now) {
		m.removeEntryUnsafe(key)
		return nil, false, nil
	}

	return cloneEntry(entry), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, entry *types.CacheEntry) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	stored := cloneEntry(entry)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeEntryUnsafe(key)

	m.data[key] = stored
	for _, tag := range stored.Tags {
		keys, exists := m.tags[tag]
		if !exists {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}

	m.writes++
	if m.config.SweepEvery > 0 && m.writes%uint64(m.config.SweepEvery) == 0 {
		m.sweepUnsafe(m.now())
	}

	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeEntryUnsafe(key)
	return nil
}

func (m *MemoryBackend) DeleteByTag(_ context.Context, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.tags[tag] {
		m.removeEntryUnsafe(key)
	}
	delete(m.tags, tag)

	return nil
}

func (m *MemoryBackend) Has(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		return false, nil
	}
	if !entry.IsValid(now) {
		m.removeEntryUnsafe(key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryBackend) Size(_ context.Context, namespace string) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepUnsafe(now)

	if namespace == "" {
		return len(m.data), nil
	}

	count := 0
	for key := range m.data {
		if strings.HasPrefix(key, namespace) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryBackend) Clear(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if namespace == "" {
		m.data = make(map[string]*types.CacheEntry)
		m.tags = make(map[string]map[string]struct{})
		return nil
	}

	for key := range m.data {
		if strings.HasPrefix(key, namespace) {
			m.removeEntryUnsafe(key)
		}
	}
	return nil
}

func (m *MemoryBackend) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	go m.startCleanupRoutine()

	m.setState(MemoryStateRunning)
	m.logger.Info("Memory cache started")
	return nil
}

func (m *MemoryBackend) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(MemoryStateStopped)

	close(m.stopCleanup)

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.cancel()

	m.mu.Lock()
	entriesCount := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.tags = make(map[string]map[string]struct{})
	m.mu.Unlock()

	m.logger.Info("Memory cache stopped gracefully", zap.Int("cleared_entries", entriesCount))
	return nil
}

func (m *MemoryBackend) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryBackend) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryBackend) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryBackend) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryBackend) startCleanupRoutine() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(parseDuration(m.config.CleanupInterval, 5*time.Minute))
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.mu.Lock()
			expired := m.sweepUnsafe(m.now())
			m.mu.Unlock()

			if expired > 0 {
				m.logger.Debug("Cleanup completed", zap.Int("expired_entries", expired))
			}
		}
	}
}

func (m *MemoryBackend) sweepUnsafe(now time.Time) int {
	expired := 0
	for key, entry := range m.data {
		if !entry.IsValid(now) {
			m.removeEntryUnsafe(key)
			expired++
		}
	}
	return expired
}

// removeEntryUnsafe drops key and unlinks it from every tag set it belongs to.
func (m *MemoryBackend) removeEntryUnsafe(key string) {
	entry, exists := m.data[key]
	if !exists {
		return
	}

	for _, tag := range entry.Tags {
		if keys, ok := m.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.tags, tag)
			}
		}
	}

	delete(m.data, key)
}

func cloneEntry(entry *types.CacheEntry) *types.CacheEntry {
	clone := *entry
	if entry.Data != nil {
		clone.Data = append([]byte(nil), entry.Data...)
	}
	if entry.Tags != nil {
		clone.Tags = append([]string(nil), entry.Tags...)
	}
	return &clone
}
