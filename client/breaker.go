package client

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerStopped
)

// CircuitBreaker opens after FailureThreshold consecutive failures, lets a
// probe through after RecoveryTimeout and closes again after
// HalfOpenRequests successes. A nil or disabled breaker always allows.
type CircuitBreaker struct {
	config   *types.CircuitBreakerConfig
	logger   types.Logger
	name     string
	state    atomic.Value
	failures atomic.Int32
	success  atomic.Int32
	lastFail atomic.Int64
	mutex    sync.RWMutex
	now      func() time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, name string) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: config,
		logger: logger,
		name:   name,
		now:    time.Now,
	}

	if config == nil || !config.Enabled {
		cb.config = &types.CircuitBreakerConfig{Enabled: false}
	}
	if cb.config.HalfOpenRequests <= 0 {
		cb.config.HalfOpenRequests = 1
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerOpen:
		if cb.now().Sub(time.UnixMilli(cb.lastFail.Load())) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateBreakerHalfOpen)
			return true
		}
		return false
	case StateBreakerStopped:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		if cb.success.Add(1) >= int32(cb.config.HalfOpenRequests) {
			cb.transitionTo(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixMilli())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("target", cb.name),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionTo(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) GetStateString() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}

	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return stateToString(cb.getStateUnsafe())
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.getStateUnsafe() != StateBreakerStopped {
		cb.transitionTo(StateBreakerClosed)
	}
}

func (cb *CircuitBreaker) Stop() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state.Store(StateBreakerStopped)
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionTo(to CircuitBreakerState) {
	from := cb.getStateUnsafe()
	if from == to || !cb.state.CompareAndSwap(from, to) {
		return
	}

	cb.success.Store(0)
	if to == StateBreakerClosed {
		cb.failures.Store(0)
		cb.lastFail.Store(0)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("target", cb.name),
		zap.String("from", stateToString(from)),
		zap.String("to", stateToString(to)))
}

func stateToString(state CircuitBreakerState) string {
	switch state {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsCircuitBreakerFailure reports outcomes that count against the target.
// 429 does not: it is a quota answer from a healthy server.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 502, 503, 504:
		return true
	default:
		return false
	}
}
