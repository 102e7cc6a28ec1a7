package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
)

var (
	// ErrSweepNotFound is returned when a sweep doesn't exist
	ErrSweepNotFound = errors.New("sweep not found")

	// ErrJobNotFound is returned when a job doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrStatusConflict is returned when a conditional update finds the
	// sweep in a different status than expected (lost-update guard).
	ErrStatusConflict = errors.New("sweep status conflict")
)

// SweepRepository handles sweep persistence. Sweeps are never deleted;
// terminal states are retained for audit.
type SweepRepository interface {
	// Create persists a new sweep
	Create(ctx context.Context, s *domain.Sweep) error

	// Get retrieves a sweep by id
	Get(ctx context.Context, id string) (*domain.Sweep, error)

	// ListByWallet retrieves sweeps owned by a wallet, newest first
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error)

	// ListByStatus retrieves sweeps in a given status
	ListByStatus(ctx context.Context, status domain.SweepStatus) ([]*domain.Sweep, error)

	// Update writes the sweep conditionally on its current stored status.
	// Returns ErrStatusConflict if another writer moved it first.
	Update(ctx context.Context, s *domain.Sweep, expected domain.SweepStatus) error
}

// TokenRepository handles scanned wallet token rows. A uniqueness
// constraint on (wallet, chain, token address) keeps one row per token
// per scan cycle.
type TokenRepository interface {
	// ReplaceForChain upserts the latest scan results for one (wallet, chain)
	ReplaceForChain(ctx context.Context, wallet string, chain domain.Chain, tokens []domain.WalletToken) error

	// ListByWallet retrieves the latest scanned tokens for a wallet
	ListByWallet(ctx context.Context, wallet string) ([]domain.WalletToken, error)
}

// JobStore is the durable backing of the job queue. Enqueue is
// idempotent per identity while a job is pending or running.
type JobStore interface {
	// Enqueue inserts a job unless an active job with the same identity
	// exists; in that case the existing job is returned with created=false.
	Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error)

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Claim atomically picks the next due pending job from the given
	// queues, marks it running and increments its attempt count.
	// Returns nil when nothing is due.
	Claim(ctx context.Context, queues []string, now time.Time) (*domain.Job, error)

	// MarkCompleted records a successful terminal result
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error

	// MarkFailed records a failed terminal result
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// Reschedule returns a running job to pending with a future run time
	Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// Prune deletes terminal jobs finished before the cutoff
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
