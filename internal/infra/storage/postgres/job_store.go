package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/infra/storage"
)

// JobStore implements storage.JobStore using PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type JobStore struct {
	db *DB
}

// NewJobStore creates a new PostgreSQL job store.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

type jobRow struct {
	ID         string       `db:"id"`
	Queue      string       `db:"queue"`
	Identity   string       `db:"identity"`
	Payload    []byte       `db:"payload"`
	Status     string       `db:"status"`
	Attempts   int          `db:"attempts"`
	Result     []byte       `db:"result"`
	Error      string       `db:"error"`
	RunAt      time.Time    `db:"run_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

func (r jobRow) toDomain() *domain.Job {
	j := &domain.Job{
		ID:        r.ID,
		Queue:     r.Queue,
		Identity:  r.Identity,
		Payload:   r.Payload,
		Status:    domain.JobStatus(r.Status),
		Attempts:  r.Attempts,
		Result:    r.Result,
		Error:     r.Error,
		RunAt:     r.RunAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		j.FinishedAt = &t
	}
	return j
}

const jobColumns = `id, queue, identity, payload, status, attempts, result, error, run_at, created_at, updated_at, finished_at`

// Enqueue inserts a job unless an active one with the same identity exists.
func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, identity, payload, status, run_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (identity) WHERE status IN ('pending', 'running') DO NOTHING
	`, job.ID, job.Queue, job.Identity, []byte(job.Payload), job.RunAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Duplicate identity: hand back the in-flight job.
		var row jobRow
		err := s.db.GetContext(ctx, &row, `
			SELECT `+jobColumns+` FROM jobs
			WHERE identity = $1 AND status IN ('pending', 'running')
		`, job.Identity)
		if err != nil {
			return nil, false, fmt.Errorf("failed to fetch duplicate job: %w", err)
		}
		return row.toDomain(), false, nil
	}

	return s.mustGet(ctx, job.ID)
}

func (s *JobStore) mustGet(ctx context.Context, id string) (*domain.Job, bool, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// Get retrieves a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// Claim atomically picks the next due pending job and marks it running.
func (s *JobStore) Claim(ctx context.Context, queues []string, now time.Time) (*domain.Job, error) {
	query, args, err := sqlx.In(`
		UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND queue IN (?) AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, queues, now)
	if err != nil {
		return nil, err
	}

	var row jobRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return row.toDomain(), nil
}

// MarkCompleted records a successful terminal result.
func (s *JobStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', result = $1, updated_at = NOW(), finished_at = NOW()
		WHERE id = $2
	`, []byte(result), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// MarkFailed records a failed terminal result.
func (s *JobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = $1, updated_at = NOW(), finished_at = NOW()
		WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// Reschedule returns a running job to pending with a future run time.
func (s *JobStore) Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_at = $1, error = $2, updated_at = NOW()
		WHERE id = $3
	`, runAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// Prune deletes terminal jobs finished before the cutoff.
func (s *JobStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND finished_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}
