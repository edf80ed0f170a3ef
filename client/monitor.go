package client

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const monitorWindow = time.Minute

type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// MonitorEvent is published once per endpoint and level per window.
type MonitorEvent struct {
	Endpoint string
	Level    Level
	Count    int
	Delay    time.Duration
	At       time.Time
}

type MonitorConfig struct {
	WarningThreshold  int
	CriticalThreshold int
	WarningDelay      time.Duration
	CriticalDelay     time.Duration
}

func MonitorConfigFrom(config *types.ClientConfig) MonitorConfig {
	m := MonitorConfig{
		WarningThreshold:  40,
		CriticalThreshold: 60,
		WarningDelay:      2 * time.Second,
		CriticalDelay:     5 * time.Second,
	}
	if config == nil {
		return m
	}
	if config.WarningThreshold > 0 {
		m.WarningThreshold = config.WarningThreshold
	}
	if config.CriticalThreshold > 0 {
		m.CriticalThreshold = config.CriticalThreshold
	}
	if config.WarningDelay > 0 {
		m.WarningDelay = config.WarningDelay
	}
	if config.CriticalDelay > 0 {
		m.CriticalDelay = config.CriticalDelay
	}
	return m
}

// Monitor counts calls per endpoint in a rolling one-minute window and
// answers how long the next call should be held back.
type Monitor struct {
	config   MonitorConfig
	logger   types.Logger
	mu       sync.Mutex
	calls    map[string][]time.Time
	notified map[string]map[Level]time.Time
	events   chan MonitorEvent
	now      func() time.Time
}

func NewMonitor(config MonitorConfig, logger types.Logger) *Monitor {
	return &Monitor{
		config:   config,
		logger:   logger,
		calls:    make(map[string][]time.Time),
		notified: make(map[string]map[Level]time.Time),
		events:   make(chan MonitorEvent, 16),
		now:      time.Now,
	}
}

// Events delivers threshold notifications. Events are dropped when nobody
// keeps up.
func (m *Monitor) Events() <-chan MonitorEvent {
	return m.events
}

// Track records a call to endpoint and returns the delay to apply before it.
func (m *Monitor) Track(endpoint string) time.Duration {
	now := m.now()

	m.mu.Lock()
	calls := prune(m.calls[endpoint], now.Add(-monitorWindow))
	calls = append(calls, now)
	m.calls[endpoint] = calls
	count := len(calls)

	level, delay := m.classify(count)
	var event *MonitorEvent
	if level != LevelNormal && m.shouldNotify(endpoint, level, now) {
		event = &MonitorEvent{Endpoint: endpoint, Level: level, Count: count, Delay: delay, At: now}
	}
	m.mu.Unlock()

	if event != nil {
		m.logger.Warn("Request rate threshold reached",
			zap.String("endpoint", endpoint),
			zap.String("level", level.String()),
			zap.Int("count", count),
			zap.Duration("delay", delay))

		select {
		case m.events <- *event:
		default:
		}
	}

	return delay
}

// Count returns the calls to endpoint within the current window.
func (m *Monitor) Count(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := prune(m.calls[endpoint], m.now().Add(-monitorWindow))
	m.calls[endpoint] = calls
	return len(calls)
}

func (m *Monitor) classify(count int) (Level, time.Duration) {
	switch {
	case count >= m.config.CriticalThreshold:
		return LevelCritical, m.config.CriticalDelay
	case count >= m.config.WarningThreshold:
		return LevelWarning, m.config.WarningDelay
	default:
		return LevelNormal, 0
	}
}

func (m *Monitor) shouldNotify(endpoint string, level Level, now time.Time) bool {
	levels, ok := m.notified[endpoint]
	if !ok {
		levels = make(map[Level]time.Time, 2)
		m.notified[endpoint] = levels
	}

	if last, seen := levels[level]; seen && now.Sub(last) < monitorWindow {
		return false
	}
	levels[level] = now
	return true
}

func prune(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}
