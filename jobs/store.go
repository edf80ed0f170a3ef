package jobs

import (
	"context"
	"time"

	"github.com/patent-drafter/reqcore/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Store persists queued jobs. Claim is the only operation that must be safe
// across processes: it succeeds for at most one caller per PENDING row.
type Store interface {
	types.LifecycleManager
	Insert(ctx context.Context, job *types.Job) error
	Get(ctx context.Context, id string) (*types.Job, error)
	// NextEligible returns the PENDING job with the earliest scheduled_at
	// that is due and has attempts left, or nil.
	NextEligible(ctx context.Context, now time.Time) (*types.Job, error)
	// Claim moves a PENDING job to PROCESSING and increments its attempts.
	// It reports false when the row was no longer PENDING.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, now time.Time) error
	Reschedule(ctx context.Context, id, lastError string, scheduledAt, now time.Time) error
	Fail(ctx context.Context, id, lastError string, now time.Time) error
	// DeleteFinishedBefore removes COMPLETED and FAILED jobs last updated
	// before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type StoreCreator func(config *types.JobsConfig) (Store, error)

var customStoreCreators = make(map[string]StoreCreator)

func RegisterStore(storeType string, creator StoreCreator) {
	customStoreCreators[storeType] = creator
}

func NewStore(config *types.JobsConfig, logger types.Logger) (Store, error) {
	storeType := "memory"
	if config != nil && config.Store != "" {
		storeType = config.Store
	}

	switch storeType {
	case "memory":
		return NewMemoryStore(logger), nil
	case "sqlite":
		return NewSQLStore(DriverSQLite, config.DSN, logger)
	case "postgres":
		return NewSQLStore(DriverPostgres, config.DSN, logger)
	default:
		if creator, exists := customStoreCreators[storeType]; exists {
			return creator(config)
		}
		return nil, types.Errorf(types.ErrJobStoreTypeUnknown, "type: %s", storeType)
	}
}

func isFinished(status types.JobStatus) bool {
	return status == types.JobStatusCompleted || status == types.JobStatusFailed
}
