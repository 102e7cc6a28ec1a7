package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/infra/storage"
)

// SweepRepo implements storage.SweepRepository using PostgreSQL.
// The sweep document is stored as JSONB; status is lifted into a column
// so transitions can be guarded with a conditional UPDATE.
type SweepRepo struct {
	db *DB
}

// NewSweepRepo creates a new PostgreSQL sweep repository.
func NewSweepRepo(db *DB) *SweepRepo {
	return &SweepRepo{db: db}
}

type sweepRow struct {
	ID          string       `db:"id"`
	Wallet      string       `db:"wallet"`
	Status      string       `db:"status"`
	Doc         []byte       `db:"doc"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r sweepRow) toDomain() (*domain.Sweep, error) {
	var s domain.Sweep
	if err := json.Unmarshal(r.Doc, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sweep doc: %w", err)
	}
	s.ID = r.ID
	s.Wallet = r.Wallet
	s.Status = domain.SweepStatus(r.Status)
	s.CreatedAt = r.CreatedAt
	s.UpdatedAt = r.UpdatedAt
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// Create persists a new sweep.
func (r *SweepRepo) Create(ctx context.Context, s *domain.Sweep) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sweeps (id, wallet, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, s.ID, s.Wallet, string(s.Status), doc, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sweep: %w", err)
	}
	return nil
}

// Get retrieves a sweep by id.
func (r *SweepRepo) Get(ctx context.Context, id string) (*domain.Sweep, error) {
	var row sweepRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, wallet, status, doc, created_at, updated_at, completed_at
		FROM sweeps WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrSweepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep: %w", err)
	}
	return row.toDomain()
}

// ListByWallet retrieves sweeps owned by a wallet, newest first.
func (r *SweepRepo) ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sweepRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, wallet, status, doc, created_at, updated_at, completed_at
		FROM sweeps WHERE wallet = $1
		ORDER BY created_at DESC LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	return rowsToDomain(rows)
}

// ListByStatus retrieves sweeps in a given status.
func (r *SweepRepo) ListByStatus(ctx context.Context, status domain.SweepStatus) ([]*domain.Sweep, error) {
	var rows []sweepRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, wallet, status, doc, created_at, updated_at, completed_at
		FROM sweeps WHERE status = $1
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps by status: %w", err)
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []sweepRow) ([]*domain.Sweep, error) {
	out := make([]*domain.Sweep, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Update writes the sweep guarded on its currently stored status.
func (r *SweepRepo) Update(ctx context.Context, s *domain.Sweep, expected domain.SweepStatus) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep: %w", err)
	}

	var completedAt sql.NullTime
	if s.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *s.CompletedAt, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sweeps
		SET status = $1, doc = $2, updated_at = $3, completed_at = $4
		WHERE id = $5 AND status = $6
	`, string(s.Status), doc, s.UpdatedAt, completedAt, s.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update sweep: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Either missing or moved by a concurrent transition.
		if _, getErr := r.Get(ctx, s.ID); getErr != nil {
			return getErr
		}
		return storage.ErrStatusConflict
	}
	return nil
}
