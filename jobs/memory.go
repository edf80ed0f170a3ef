package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patent-drafter/reqcore/types"
)

// MemoryStore keeps jobs in a map. It is process-local and meant for tests
// and single-process deployments.
type MemoryStore struct {
	logger types.Logger
	mu     sync.Mutex
	jobs   map[string]*types.Job
	state  atomic.Value
}

func NewMemoryStore(logger types.Logger) *MemoryStore {
	ms := &MemoryStore{
		logger: logger,
		jobs:   make(map[string]*types.Job),
	}
	ms.state.Store(StateStopped)
	return ms
}

func (ms *MemoryStore) Start() error {
	if !ms.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	ms.logger.Info("Memory job store started")
	return nil
}

func (ms *MemoryStore) Stop() error {
	if !ms.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	ms.logger.Info("Memory job store stopped")
	return nil
}

func (ms *MemoryStore) IsRunning() bool {
	return ms.state.Load().(State) == StateRunning
}

func (ms *MemoryStore) Insert(_ context.Context, job *types.Job) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := *job
	ms.jobs[job.ID] = &stored
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, id string) (*types.Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[id]
	if !ok {
		return nil, types.Errorf(types.ErrJobNotFound, "id: %s", id)
	}
	out := *job
	return &out, nil
}

func (ms *MemoryStore) NextEligible(_ context.Context, now time.Time) (*types.Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var next *types.Job
	for _, job := range ms.jobs {
		if job.Status != types.JobStatusPending || job.Attempts >= job.MaxAttempts || job.ScheduledAt.After(now) {
			continue
		}
		if next == nil || job.ScheduledAt.Before(next.ScheduledAt) {
			next = job
		}
	}

	if next == nil {
		return nil, nil
	}
	out := *next
	return &out, nil
}

func (ms *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[id]
	if !ok || job.Status != types.JobStatusPending {
		return false, nil
	}

	job.Status = types.JobStatusProcessing
	job.Attempts++
	started := now
	job.StartedAt = &started
	job.UpdatedAt = now
	return true, nil
}

func (ms *MemoryStore) Complete(_ context.Context, id string, now time.Time) error {
	return ms.update(id, func(job *types.Job) {
		job.Status = types.JobStatusCompleted
		completed := now
		job.CompletedAt = &completed
		job.UpdatedAt = now
	})
}

func (ms *MemoryStore) Reschedule(_ context.Context, id, lastError string, scheduledAt, now time.Time) error {
	return ms.update(id, func(job *types.Job) {
		job.Status = types.JobStatusPending
		job.LastError = lastError
		job.ScheduledAt = scheduledAt
		job.UpdatedAt = now
	})
}

func (ms *MemoryStore) Fail(_ context.Context, id, lastError string, now time.Time) error {
	return ms.update(id, func(job *types.Job) {
		job.Status = types.JobStatusFailed
		job.LastError = lastError
		job.UpdatedAt = now
	})
}

func (ms *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var deleted int64
	for id, job := range ms.jobs {
		if isFinished(job.Status) && job.UpdatedAt.Before(cutoff) {
			delete(ms.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (ms *MemoryStore) Ping(context.Context) error {
	if !ms.IsRunning() {
		return types.ErrJobStoreClosed
	}
	return nil
}

func (ms *MemoryStore) update(id string, fn func(job *types.Job)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[id]
	if !ok {
		return types.Errorf(types.ErrJobNotFound, "id: %s", id)
	}
	fn(job)
	return nil
}
