package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
	"github.com/patent-drafter/reqcore/metrics"
	"github.com/patent-drafter/reqcore/types"
)

func newManager(t *testing.T, config *types.CronConfig) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), config, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	return m
}

func TestAddValidation(t *testing.T) {
	m := newManager(t, nil)
	noop := func() {}

	assert.ErrorIs(t, m.Add("", "* * * * * *", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("job", "", noop), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("job", "* * * * * *", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("job", "not a spec", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("job", "*/5 * * * * *", noop))
	assert.ErrorIs(t, m.Add("job", "* * * * * *", noop), types.ErrCronJobExists)

	entries := m.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "*/5 * * * * *", entries[0].Spec)
	assert.False(t, entries[0].NextRun.IsZero())
	assert.WithinDuration(t, time.Now(), entries[0].NextRun, 5*time.Second)
}

func TestEntriesReportNextRunBeforeStart(t *testing.T) {
	m := newManager(t, &types.CronConfig{Timezone: "UTC"})
	require.NoError(t, m.Add("cleanup", "0 0 3 * * *", func() {}))
	require.False(t, m.IsRunning())

	next := m.Entries()[0].NextRun
	require.False(t, next.IsZero())
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 3, next.UTC().Hour())
	assert.Zero(t, next.Minute())
	assert.LessOrEqual(t, time.Until(next), 24*time.Hour)
}

func TestRemove(t *testing.T) {
	m := newManager(t, nil)

	require.NoError(t, m.Add("job", "0 0 3 * * *", func() {}))
	require.NoError(t, m.Remove("job"))
	assert.Empty(t, m.Entries())
	assert.ErrorIs(t, m.Remove("job"), types.ErrCronJobNotFound)
}

func TestJobsRunEverySecond(t *testing.T) {
	m := newManager(t, &types.CronConfig{Timezone: "Europe/Berlin"})
	assert.Equal(t, "Europe/Berlin", m.timezone.String())

	var runs int32
	require.NoError(t, m.Add("tick", "* * * * * *", func() { atomic.AddInt32(&runs, 1) }))
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	require.Eventually(t, func() bool { return m.Entries()[0].RunCount >= 1 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, m.Add("late", "* * * * * *", func() {}), types.ErrCronSchedulerStopped)
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
	assert.Error(t, m.Context().Err())
}

func TestPanickingJobIsRecorded(t *testing.T) {
	m := newManager(t, nil)

	m.wrapJob("boom", func() { panic("bad") })()
	m.wrapJob("unknown", func() {})()

	require.NoError(t, m.Add("boom", "0 0 3 * * *", func() {}))
	m.wrapJob("boom", func() { panic("bad") })()

	entry := m.Entries()[0]
	assert.Equal(t, int64(1), entry.RunCount)
	assert.ErrorIs(t, entry.Error, types.ErrCronJobFailed)
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	m := newManager(t, &types.CronConfig{Timezone: "Mars/Olympus"})
	assert.Equal(t, time.UTC, m.timezone)
}
