package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

func newSQLiteStore(t *testing.T, path string) *SQLStore {
	t.Helper()

	store, err := NewSQLStore(DriverSQLite, path+"?_busy_timeout=5000", logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })
	return store
}

func TestSQLStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Ping(ctx))

	job := &types.Job{
		ID:          "job-1",
		Type:        types.JobTypeOfficeActionOrchestration,
		Payload:     []byte(`{"officeActionId":"oa1"}`),
		Status:      types.JobStatusPending,
		MaxAttempts: 3,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.Insert(ctx, job))

	next, err := store.NextEligible(ctx, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = store.NextEligible(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "job-1", next.ID)
	assert.JSONEq(t, `{"officeActionId":"oa1"}`, string(next.Payload))
	assert.True(t, next.ScheduledAt.Equal(now))
	assert.Nil(t, next.StartedAt)

	claimed, err := store.Claim(ctx, "job-1", now)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.Claim(ctx, "job-1", now)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	retryAt := now.Add(2 * time.Minute)
	require.NoError(t, store.Reschedule(ctx, "job-1", "boom", retryAt, now))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, got.ScheduledAt.Equal(retryAt))

	require.NoError(t, store.Fail(ctx, "job-1", "boom again", now))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)

	deleted, err := store.DeleteFinishedBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	deleted, err = store.DeleteFinishedBefore(ctx, now.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, "job-1")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	assert.ErrorIs(t, store.Complete(ctx, "job-1", now), types.ErrJobNotFound)
}

func TestSQLStoreOrdersByScheduledAt(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "jobs.db"))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, -time.Minute, -2 * time.Minute} {
		require.NoError(t, store.Insert(ctx, &types.Job{
			ID:          []string{"late", "middle", "early"}[i],
			Type:        types.JobTypeOfficeActionOrchestration,
			Payload:     []byte(`{}`),
			Status:      types.JobStatusPending,
			MaxAttempts: 3,
			ScheduledAt: now.Add(offset),
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
	}
	require.NoError(t, store.Insert(ctx, &types.Job{
		ID:          "exhausted",
		Type:        types.JobTypeOfficeActionOrchestration,
		Payload:     []byte(`{}`),
		Status:      types.JobStatusPending,
		Attempts:    3,
		MaxAttempts: 3,
		ScheduledAt: now.Add(-time.Hour),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	next, err := store.NextEligible(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "early", next.ID)
}

func TestSQLQueueAcrossTwoStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	clock := newFakeClock()

	registry := NewRegistry()
	registry.RegisterHandler(types.JobTypeOfficeActionOrchestration, func(context.Context, types.OfficeActionPayload) (*types.JobResult, error) {
		return &types.JobResult{StepsCompleted: 3}, nil
	})

	first := NewQueue(newSQLiteStore(t, path), registry, logger.NewNop(), metrics.NewNop())
	second := NewQueue(newSQLiteStore(t, path), registry, logger.NewNop(), metrics.NewNop())
	first.now = clock.Now
	second.now = clock.Now

	id, err := first.Enqueue(ctx, types.OfficeActionPayload{OfficeActionID: "oa1", TenantID: "acme"})
	require.NoError(t, err)

	claimed, err := second.Store().Claim(ctx, id, clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	processed, err := first.ProcessPendingJobs(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	view, err := first.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, view.Status)
	assert.Equal(t, 1, view.Attempts)
}

func TestStoppedSQLStoreRefuses(t *testing.T) {
	store, err := NewSQLStore(DriverSQLite, filepath.Join(t.TempDir(), "jobs.db"), logger.NewNop())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, types.ErrJobStoreClosed)
	assert.ErrorIs(t, store.Ping(context.Background()), types.ErrJobStoreClosed)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND s = $3", pg.rebind("UPDATE t SET a = ? WHERE id = ? AND s = ?"))

	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "SELECT ? FROM t", lite.rebind("SELECT ? FROM t"))
}
