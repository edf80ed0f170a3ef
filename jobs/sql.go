package jobs

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/patent-drafter/reqcore/types"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queued_jobs (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_error   TEXT NOT NULL DEFAULT '',
		scheduled_at BIGINT NOT NULL,
		started_at   BIGINT,
		completed_at BIGINT,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS queued_jobs_eligible ON queued_jobs (status, scheduled_at)`,
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, last_error,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// SQLStore keeps jobs in a queued_jobs table. Timestamps are stored as
// epoch milliseconds so both drivers read them back identically.
type SQLStore struct {
	driver string
	dsn    string
	logger types.Logger
	db     *sql.DB
	state  atomic.Value
}

func NewSQLStore(driver, dsn string, logger types.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "job store dsn is empty")
	}

	s := &SQLStore{
		driver: driver,
		dsn:    dsn,
		logger: logger,
	}
	s.state.Store(StateStopped)
	return s, nil
}

func (s *SQLStore) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		s.state.Store(StateStopped)
		return types.WrapError(err, "failed to open job store")
	}

	if s.driver == DriverSQLite {
		// One writer at a time avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			s.state.Store(StateStopped)
			return types.WrapError(err, "failed to create job schema")
		}
	}

	s.db = db
	s.state.Store(StateRunning)
	s.logger.Info("SQL job store started", zap.String("driver", s.driver))
	return nil
}

func (s *SQLStore) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer s.state.Store(StateStopped)

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close job store", zap.Error(err))
		return err
	}

	s.logger.Info("SQL job store stopped")
	return nil
}

func (s *SQLStore) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *SQLStore) Insert(ctx context.Context, job *types.Job) error {
	if !s.IsRunning() {
		return types.ErrJobStoreClosed
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO queued_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Type, string(job.Payload), string(job.Status), job.Attempts, job.MaxAttempts, job.LastError,
		toMillis(job.ScheduledAt), nullableMillis(job.StartedAt), nullableMillis(job.CompletedAt),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt))
	if err != nil {
		return types.WrapError(err, "failed to insert job")
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*types.Job, error) {
	if !s.IsRunning() {
		return nil, types.ErrJobStoreClosed
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM queued_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrJobNotFound, "id: %s", id)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to read job")
	}
	return job, nil
}

func (s *SQLStore) NextEligible(ctx context.Context, now time.Time) (*types.Job, error) {
	if !s.IsRunning() {
		return nil, types.ErrJobStoreClosed
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM queued_jobs
		WHERE status = ? AND scheduled_at <= ? AND attempts < max_attempts
		ORDER BY scheduled_at ASC
		LIMIT 1`), string(types.JobStatusPending), toMillis(now))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to select eligible job")
	}
	return job, nil
}

func (s *SQLStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	if !s.IsRunning() {
		return false, types.ErrJobStoreClosed
	}

	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE queued_jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(types.JobStatusProcessing), toMillis(now), toMillis(now), id, string(types.JobStatusPending))
	if err != nil {
		return false, types.WrapError(err, "failed to claim job")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, types.WrapError(err, "failed to read claim result")
	}
	return affected == 1, nil
}

func (s *SQLStore) Complete(ctx context.Context, id string, now time.Time) error {
	return s.exec(ctx, `UPDATE queued_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(types.JobStatusCompleted), toMillis(now), toMillis(now), id)
}

func (s *SQLStore) Reschedule(ctx context.Context, id, lastError string, scheduledAt, now time.Time) error {
	return s.exec(ctx, `UPDATE queued_jobs SET status = ?, last_error = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		string(types.JobStatusPending), lastError, toMillis(scheduledAt), toMillis(now), id)
}

func (s *SQLStore) Fail(ctx context.Context, id, lastError string, now time.Time) error {
	return s.exec(ctx, `UPDATE queued_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(types.JobStatusFailed), lastError, toMillis(now), id)
}

func (s *SQLStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.IsRunning() {
		return 0, types.ErrJobStoreClosed
	}

	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM queued_jobs WHERE status IN (?, ?) AND updated_at < ?`),
		string(types.JobStatusCompleted), string(types.JobStatusFailed), toMillis(cutoff))
	if err != nil {
		return 0, types.WrapError(err, "failed to delete old jobs")
	}
	return result.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if !s.IsRunning() {
		return types.ErrJobStoreClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	if !s.IsRunning() {
		return types.ErrJobStoreClosed
	}

	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return types.WrapError(err, "failed to update job")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                    types.Job
		payload, status        string
		scheduledAt            int64
		startedAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)

	err := row.Scan(&job.ID, &job.Type, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(payload)
	job.Status = types.JobStatus(status)
	job.ScheduledAt = fromMillis(scheduledAt)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
