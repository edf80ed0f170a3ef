package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patent-drafter/reqcore/logger"
)

func TestMonitorThresholds(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(MonitorConfigFrom(nil), logger.NewNop())
	m.now = func() time.Time { return now }

	for i := 0; i < 39; i++ {
		assert.Zero(t, m.Track("/api/search"))
	}
	assert.Equal(t, 2*time.Second, m.Track("/api/search"))

	event := <-m.Events()
	assert.Equal(t, LevelWarning, event.Level)
	assert.Equal(t, 40, event.Count)
	assert.Equal(t, "/api/search", event.Endpoint)

	for i := 41; i < 60; i++ {
		assert.Equal(t, 2*time.Second, m.Track("/api/search"))
	}
	assert.Empty(t, m.Events())

	assert.Equal(t, 5*time.Second, m.Track("/api/search"))
	event = <-m.Events()
	assert.Equal(t, LevelCritical, event.Level)
	assert.Equal(t, 60, event.Count)

	assert.Zero(t, m.Track("/api/other"))
	assert.Equal(t, 1, m.Count("/api/other"))

	now = now.Add(61 * time.Second)
	assert.Zero(t, m.Count("/api/search"))
	assert.Zero(t, m.Track("/api/search"))
}

func TestMonitorConfigOverrides(t *testing.T) {
	m := NewMonitor(MonitorConfig{WarningThreshold: 2, CriticalThreshold: 3, WarningDelay: time.Millisecond, CriticalDelay: 2 * time.Millisecond}, logger.NewNop())

	assert.Zero(t, m.Track("/x"))
	assert.Equal(t, time.Millisecond, m.Track("/x"))
	assert.Equal(t, 2*time.Millisecond, m.Track("/x"))
	require.Len(t, m.Events(), 2)
}

func TestMonitorNotifiesAgainInNextWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(MonitorConfig{WarningThreshold: 1, CriticalThreshold: 100, WarningDelay: time.Millisecond}, logger.NewNop())
	m.now = func() time.Time { return now }

	m.Track("/x")
	m.Track("/x")
	assert.Len(t, m.Events(), 1)

	now = now.Add(monitorWindow)
	m.Track("/x")
	assert.Len(t, m.Events(), 2)
}

func TestResolver(t *testing.T) {
	r := NewResolver("https://app.example.com", "", logger.NewNop())
	assert.Equal(t, "https://app.example.com/api/projects?page=2", r.Resolve("/api/projects?page=2"))
	assert.Equal(t, "https://other.example.com/x", r.Resolve("https://other.example.com/x"))

	fallback := NewResolver("not a url", "", logger.NewNop())
	assert.Equal(t, DefaultOrigin, fallback.Origin())
	assert.Equal(t, "http://localhost:3000/api/projects", fallback.Resolve("api/projects"))

	custom := NewResolver("", "http://internal:8080", logger.NewNop())
	assert.Equal(t, "http://internal:8080/health", custom.Resolve("/health"))

	assert.Equal(t, "/api/projects", endpointOf("https://app.example.com/api/projects?page=2"))
}
