package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/infra/storage"
)

// Storage is an in-memory implementation of the repository interfaces,
// used by tests and by runs without a database configured.
type Storage struct {
	mu     sync.Mutex
	sweeps map[string]*domain.Sweep
	tokens map[string][]domain.WalletToken // key: wallet|chain
	jobs   map[string]*domain.Job
}

// NewStorage creates an empty in-memory storage.
func NewStorage() *Storage {
	return &Storage{
		sweeps: make(map[string]*domain.Sweep),
		tokens: make(map[string][]domain.WalletToken),
		jobs:   make(map[string]*domain.Job),
	}
}

func cloneSweep(s *domain.Sweep) *domain.Sweep {
	// Deep copy via JSON; cheap enough for tests and small documents.
	data, _ := json.Marshal(s)
	var out domain.Sweep
	_ = json.Unmarshal(data, &out)
	out.CreatedAt = s.CreatedAt
	out.UpdatedAt = s.UpdatedAt
	out.CompletedAt = s.CompletedAt
	return &out
}

// SweepRepo implements storage.SweepRepository.
type SweepRepo struct{ s *Storage }

// NewSweepRepo creates an in-memory sweep repository.
func NewSweepRepo(s *Storage) *SweepRepo { return &SweepRepo{s: s} }

func (r *SweepRepo) Create(ctx context.Context, s *domain.Sweep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sweeps[s.ID] = cloneSweep(s)
	return nil
}

func (r *SweepRepo) Get(ctx context.Context, id string) (*domain.Sweep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sweeps[id]
	if !ok {
		return nil, storage.ErrSweepNotFound
	}
	return cloneSweep(s), nil
}

func (r *SweepRepo) ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Sweep
	for _, s := range r.s.sweeps {
		if s.Wallet == wallet {
			out = append(out, cloneSweep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SweepRepo) ListByStatus(ctx context.Context, status domain.SweepStatus) ([]*domain.Sweep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Sweep
	for _, s := range r.s.sweeps {
		if s.Status == status {
			out = append(out, cloneSweep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *SweepRepo) Update(ctx context.Context, s *domain.Sweep, expected domain.SweepStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sweeps[s.ID]
	if !ok {
		return storage.ErrSweepNotFound
	}
	if cur.Status != expected {
		return storage.ErrStatusConflict
	}
	r.s.sweeps[s.ID] = cloneSweep(s)
	return nil
}

// TokenRepo implements storage.TokenRepository.
type TokenRepo struct{ s *Storage }

// NewTokenRepo creates an in-memory token repository.
func NewTokenRepo(s *Storage) *TokenRepo { return &TokenRepo{s: s} }

func (r *TokenRepo) ReplaceForChain(ctx context.Context, wallet string, chain domain.Chain, tokens []domain.WalletToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tokens[wallet+"|"+string(chain)] = append([]domain.WalletToken(nil), tokens...)
	return nil
}

func (r *TokenRepo) ListByWallet(ctx context.Context, wallet string) ([]domain.WalletToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.WalletToken
	for key, tokens := range r.s.tokens {
		if len(key) > len(wallet) && key[:len(wallet)] == wallet && key[len(wallet)] == '|' {
			out = append(out, tokens...)
		}
	}
	return out, nil
}

// JobStore implements storage.JobStore.
type JobStore struct{ s *Storage }

// NewJobStore creates an in-memory job store.
func NewJobStore(s *Storage) *JobStore { return &JobStore{s: s} }

func cloneJob(j *domain.Job) *domain.Job {
	out := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func (st *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, j := range st.s.jobs {
		if j.Identity == job.Identity && !j.Status.Terminal() {
			return cloneJob(j), false, nil
		}
	}
	j := cloneJob(job)
	j.Status = domain.JobStatusPending
	j.CreatedAt = time.Now()
	j.UpdatedAt = j.CreatedAt
	st.s.jobs[j.ID] = j
	return cloneJob(j), true, nil
}

func (st *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	j, ok := st.s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (st *JobStore) Claim(ctx context.Context, queues []string, now time.Time) (*domain.Job, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	var next *domain.Job
	for _, j := range st.s.jobs {
		if j.Status != domain.JobStatusPending {
			continue
		}
		if _, ok := queueSet[j.Queue]; !ok {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = domain.JobStatusRunning
	next.Attempts++
	next.UpdatedAt = now
	return cloneJob(next), nil
}

func (st *JobStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return st.finish(id, domain.JobStatusCompleted, result, "")
}

func (st *JobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return st.finish(id, domain.JobStatusFailed, nil, errMsg)
}

func (st *JobStore) finish(id string, status domain.JobStatus, result json.RawMessage, errMsg string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	j, ok := st.s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	now := time.Now()
	j.Status = status
	j.Result = result
	j.Error = errMsg
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

func (st *JobStore) Reschedule(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	j, ok := st.s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	j.Status = domain.JobStatusPending
	j.RunAt = runAt
	j.Error = errMsg
	j.UpdatedAt = time.Now()
	return nil
}

func (st *JobStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var n int64
	for id, j := range st.s.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(olderThan) {
			delete(st.s.jobs, id)
			n++
		}
	}
	return n, nil
}
