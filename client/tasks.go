package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

// TaskEvent reports the outcome of a submitted task.
type TaskEvent struct {
	Name     string
	Err      error
	Duration time.Duration
}

// TaskRunner runs work off the caller's path and reports every outcome on
// its event channel.
type TaskRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	events chan TaskEvent
	wg     sync.WaitGroup
}

func NewTaskRunner(ctx context.Context, logger types.Logger, buffer int) *TaskRunner {
	runnerCtx, cancel := context.WithCancel(ctx)
	if buffer <= 0 {
		buffer = 64
	}

	return &TaskRunner{
		ctx:    runnerCtx,
		cancel: cancel,
		logger: logger,
		events: make(chan TaskEvent, buffer),
	}
}

func (r *TaskRunner) Events() <-chan TaskEvent {
	return r.events
}

func (r *TaskRunner) Submit(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		start := time.Now()
		err := r.run(fn)
		if err != nil {
			r.logger.Warn("Background task failed", zap.String("task", name), zap.Error(err))
		}

		select {
		case r.events <- TaskEvent{Name: name, Err: err, Duration: time.Since(start)}:
		default:
			r.logger.Debug("Task event dropped", zap.String("task", name))
		}
	}()
}

func (r *TaskRunner) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return fn(r.ctx)
}

// Wait blocks until every submitted task returned.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// Stop cancels the context handed to tasks and waits up to timeout.
func (r *TaskRunner) Stop(timeout time.Duration) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return types.NewErrorf("timeout waiting for background tasks")
	}
}
