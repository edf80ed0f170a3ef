package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const (
	pollJobName    = "jobs-poll"
	cleanupJobName = "jobs-cleanup"

	DefaultPollSpec        = "*/5 * * * * *"
	DefaultCleanupSpec     = "0 0 3 * * *"
	DefaultShutdownTimeout = 30 * time.Second
)

// Worker drives a Queue from cron: one claim attempt per poll tick and a
// daily retention cleanup. Claimed jobs are never cancelled; Stop waits for
// them instead.
type Worker struct {
	ctx             context.Context
	cancel          context.CancelFunc
	queue           *Queue
	cron            types.CronManager
	logger          types.Logger
	pollSpec        string
	cleanupSpec     string
	retentionDays   int
	shutdownTimeout time.Duration

	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
	polling  atomic.Bool
	state    atomic.Value
}

func NewWorker(ctx context.Context, queue *Queue, cron types.CronManager, config *types.JobsConfig, logger types.Logger) *Worker {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	w := &Worker{
		ctx:             workerCtx,
		cancel:          cancel,
		queue:           queue,
		cron:            cron,
		logger:          logger,
		pollSpec:        DefaultPollSpec,
		cleanupSpec:     DefaultCleanupSpec,
		retentionDays:   DefaultRetentionDays,
		shutdownTimeout: DefaultShutdownTimeout,
	}

	if config != nil {
		if config.PollSpec != "" {
			w.pollSpec = config.PollSpec
		}
		if config.CleanupSpec != "" {
			w.cleanupSpec = config.CleanupSpec
		}
		if config.RetentionDays > 0 {
			w.retentionDays = config.RetentionDays
		}
		if config.ShutdownTimeout > 0 {
			w.shutdownTimeout = config.ShutdownTimeout
		}
	}

	w.state.Store(StateStopped)
	return w
}

func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	w.mu.Lock()
	w.stopping = false
	w.mu.Unlock()

	if err := w.cron.Add(pollJobName, w.pollSpec, w.Poll); err != nil {
		w.state.Store(StateStopped)
		return types.WrapError(err, "failed to schedule job polling")
	}
	if err := w.cron.Add(cleanupJobName, w.cleanupSpec, w.Cleanup); err != nil {
		_ = w.cron.Remove(pollJobName)
		w.state.Store(StateStopped)
		return types.WrapError(err, "failed to schedule job cleanup")
	}

	w.state.Store(StateRunning)
	w.logger.Info("Job worker started",
		zap.String("poll_spec", w.pollSpec),
		zap.String("cleanup_spec", w.cleanupSpec))
	return nil
}

// Stop unschedules polling and waits up to the shutdown timeout for the job
// in progress.
func (w *Worker) Stop() error {
	if !w.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer w.state.Store(StateStopped)

	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	_ = w.cron.Remove(pollJobName)
	_ = w.cron.Remove(cleanupJobName)

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		w.logger.Info("Job worker stopped")
	case <-time.After(w.shutdownTimeout):
		err = types.Errorf(types.ErrCronJobTimeout, "in-flight job still running after %v", w.shutdownTimeout)
		w.logger.Warn("Job worker stop timeout", zap.Duration("timeout", w.shutdownTimeout))
	}

	w.cancel()
	return err
}

func (w *Worker) IsRunning() bool {
	return w.state.Load().(State) == StateRunning
}

// Poll makes one claim attempt. Ticks arriving while a job is still
// running are skipped.
func (w *Worker) Poll() {
	if !w.begin() {
		return
	}
	defer w.inflight.Done()

	if !w.polling.CompareAndSwap(false, true) {
		return
	}
	defer w.polling.Store(false)

	if _, err := w.queue.ProcessPendingJobs(w.ctx); err != nil {
		w.logger.Error("Job polling failed", zap.Error(err))
	}
}

func (w *Worker) Cleanup() {
	if !w.begin() {
		return
	}
	defer w.inflight.Done()

	if _, err := w.queue.CleanupOldJobs(w.ctx, w.retentionDays); err != nil {
		w.logger.Error("Job cleanup failed", zap.Error(err))
	}
}

func (w *Worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopping {
		return false
	}
	w.inflight.Add(1)
	return true
}
