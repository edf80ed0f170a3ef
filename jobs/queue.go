package jobs

import (
	"context"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetentionDays = 30
)

type QueueOption func(*Queue)

func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithProgressSource(source ProgressSource) QueueOption {
	return func(q *Queue) {
		q.progress = source
	}
}

// Queue is a polling job queue over a Store. Any number of processes may
// run ProcessPendingJobs against the same store; the claim decides who
// works on a job.
type Queue struct {
	store       Store
	registry    *Registry
	logger      types.Logger
	metrics     types.MetricsManager
	validate    *validator.Validate
	progress    ProgressSource
	maxAttempts int
	now         func() time.Time
}

func NewQueue(store Store, registry *Registry, logger types.Logger, metrics types.MetricsManager, opts ...QueueOption) *Queue {
	q := &Queue{
		store:       store,
		registry:    registry,
		logger:      logger,
		metrics:     metrics,
		validate:    validator.New(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Store() Store {
	return q.store
}

// Enqueue stores a PENDING office action orchestration job due now.
func (q *Queue) Enqueue(ctx context.Context, payload types.OfficeActionPayload) (string, error) {
	if err := q.validate.Struct(payload); err != nil {
		return "", types.Errorf(types.ErrJobPayloadInvalid, "%v", err)
	}

	data, err := utils.Marshal(payload)
	if err != nil {
		return "", types.Errorf(types.ErrJobPayloadInvalid, "%v", err)
	}

	now := q.now()
	job := &types.Job{
		ID:          uuid.New().String(),
		Type:        types.JobTypeOfficeActionOrchestration,
		Payload:     data,
		Status:      types.JobStatusPending,
		MaxAttempts: q.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return "", err
	}

	q.metrics.Counter("jobs_enqueued_total", map[string]string{"type": job.Type}).Inc()
	q.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("office_action_id", payload.OfficeActionID))

	return job.ID, nil
}

// ProcessPendingJobs claims and runs at most one due job. It returns false
// when there was nothing to do or another worker claimed the job first.
func (q *Queue) ProcessPendingJobs(ctx context.Context) (bool, error) {
	candidate, err := q.store.NextEligible(ctx, q.now())
	if err != nil {
		return false, err
	}
	if candidate == nil {
		return false, nil
	}

	claimed, err := q.store.Claim(ctx, candidate.ID, q.now())
	if err != nil {
		return false, err
	}
	if !claimed {
		q.logger.Debug("Job claimed by another worker", zap.String("job_id", candidate.ID))
		return false, nil
	}

	job, err := q.store.Get(ctx, candidate.ID)
	if err != nil {
		return false, err
	}

	start := q.now()
	result, runErr := q.run(ctx, job)
	q.metrics.Histogram("job_duration_seconds", []float64{1, 10, 60, 300, 1800}, map[string]string{"type": job.Type}).
		Observe(q.now().Sub(start).Seconds())

	if runErr == nil {
		if err := q.store.Complete(ctx, job.ID, q.now()); err != nil {
			return true, err
		}
		q.metrics.Counter("jobs_processed_total", map[string]string{"result": "completed"}).Inc()
		q.logger.Info("Job completed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Int("steps_completed", result.StepsCompleted))
		return true, nil
	}

	q.logger.ErrorWithErrStack("Job failed", runErr,
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))

	message := errors.Cause(runErr).Error()
	now := q.now()

	if job.Attempts < job.MaxAttempts {
		scheduledAt := now.Add(backoff(job.Attempts))
		if err := q.store.Reschedule(ctx, job.ID, message, scheduledAt, now); err != nil {
			return true, err
		}
		q.metrics.Counter("jobs_processed_total", map[string]string{"result": "retried"}).Inc()
		q.logger.Info("Job rescheduled",
			zap.String("job_id", job.ID),
			zap.Time("scheduled_at", scheduledAt))
		return true, nil
	}

	if err := q.store.Fail(ctx, job.ID, message, now); err != nil {
		return true, err
	}
	q.metrics.Counter("jobs_processed_total", map[string]string{"result": "failed"}).Inc()
	return true, nil
}

func (q *Queue) run(ctx context.Context, job *types.Job) (result *types.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job handler panic: %v", r)
		}
	}()

	var payload types.OfficeActionPayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		return nil, errors.WithStack(types.Errorf(types.ErrJobPayloadInvalid, "%v", err))
	}

	handler, err := q.registry.Lookup(job.Type)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	result, err = handler(ctx, payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if result == nil {
		result = &types.JobResult{}
	}
	return result, nil
}

// CleanupOldJobs deletes finished jobs not updated within the last days.
func (q *Queue) CleanupOldJobs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}

	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := q.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	q.logger.Info("Old jobs cleaned up",
		zap.Int64("deleted", deleted),
		zap.Int("retention_days", days))
	return deleted, nil
}

// GetJobStatus returns the stored job. Completed jobs additionally carry
// progress read from the entity they worked on.
func (q *Queue) GetJobStatus(ctx context.Context, id string) (*types.JobStatusView, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &types.JobStatusView{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		ScheduledAt: job.ScheduledAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	if job.Status != types.JobStatusCompleted || q.progress == nil {
		return view, nil
	}

	var payload types.OfficeActionPayload
	if err := utils.Unmarshal(job.Payload, &payload); err != nil {
		q.logger.Warn("Stored job payload unreadable", zap.String("job_id", id), zap.Error(err))
		return view, nil
	}

	progress, err := q.progress.Progress(ctx, payload)
	if err != nil {
		q.logger.Warn("Failed to read job progress", zap.String("job_id", id), zap.Error(err))
		return view, nil
	}
	view.Progress = progress
	return view, nil
}

// backoff is 2^attempts minutes.
func backoff(attempts int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempts))) * time.Minute
}
