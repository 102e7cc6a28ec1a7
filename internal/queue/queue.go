package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/infra/storage"
	"github.com/dustfold/sweeper/internal/metrics"
)

// ErrAwaitTimeout is returned when a job does not reach a terminal
// state within the caller's deadline. The job itself keeps running.
var ErrAwaitTimeout = errors.New("timed out awaiting job completion")

// Handler processes one claimed job. The returned payload becomes the
// job's stored result. A plain error triggers the queue's retry
// policy; a RetryAfterError reschedules at the handler's chosen time
// without touching the attempt budget.
type Handler func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// RetryAfterError asks the queue to re-run the job after a specific
// delay instead of the policy backoff. Used by tracking handlers that
// know the chain's confirmation cadence.
type RetryAfterError struct {
	After time.Duration
	Cause error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Cause)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

// Queue is a durable, idempotent job queue backed by a JobStore. Work
// survives restarts; duplicate enqueues of the same identity collapse
// into one unit of work while it is still active.
type Queue struct {
	store    storage.JobStore
	cfg      config.QueueConfig
	log      *slog.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue over the given store.
func New(store storage.JobStore, cfg config.QueueConfig, log *slog.Logger) *Queue {
	return &Queue{
		store:    store,
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a queue name. Must be called before Start.
func (q *Queue) Register(queue string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = h
}

// Enqueue submits work idempotently. The identity is a business key
// such as "sweep:<id>:execute:<chain>"; while a job with that identity
// is pending or running, re-enqueueing returns the existing job.
func (q *Queue) Enqueue(ctx context.Context, queue, identity string, payload any) (*domain.Job, error) {
	return q.EnqueueAt(ctx, queue, identity, payload, time.Now())
}

// EnqueueAt submits work that becomes due at runAt.
func (q *Queue) EnqueueAt(ctx context.Context, queue, identity string, payload any, runAt time.Time) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		Identity:  identity,
		Payload:   raw,
		Status:    domain.JobStatusPending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, created, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		q.log.Debug("job deduplicated", "queue", queue, "identity", identity, "job_id", stored.ID)
		return stored, nil
	}
	metrics.JobsTotal.WithLabelValues(queue, "enqueued").Inc()
	return stored, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.Get(ctx, id)
}

// Await polls until the job reaches a terminal state or the timeout
// elapses.
func (q *Queue) Await(ctx context.Context, jobID string, timeout time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(timeout)
	interval := q.cfg.AwaitInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := q.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, ErrAwaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start launches the worker pool and the retention pruner.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	queues := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		queues = append(queues, name)
	}

	workers := q.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx, queues)
	}

	q.wg.Add(1)
	go q.pruner(runCtx)

	q.log.Info("queue started", "workers", workers, "queues", queues)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, queues []string) {
	defer q.wg.Done()

	interval := q.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := q.store.Claim(ctx, queues, time.Now())
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Error("claim failed", "error", err)
		}
		if job != nil {
			q.run(ctx, job)
			continue // drain without waiting while work is due
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) run(ctx context.Context, job *domain.Job) {
	q.mu.Lock()
	handler := q.handlers[job.Queue]
	q.mu.Unlock()
	if handler == nil {
		// Claimed from a queue nobody registered for; should not happen.
		_ = q.store.MarkFailed(ctx, job.ID, "no handler registered for queue "+job.Queue)
		return
	}

	start := time.Now()
	result, err := handler(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(start).Seconds())

	if err == nil {
		if mErr := q.store.MarkCompleted(ctx, job.ID, result); mErr != nil {
			q.log.Error("mark completed failed", "job_id", job.ID, "error", mErr)
		}
		metrics.JobsTotal.WithLabelValues(job.Queue, "completed").Inc()
		return
	}

	// An explicit retry-after is a deliberate wait, not a failure; it
	// never consumes the attempt budget. Handlers using it own their
	// own termination (deadlines).
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		if rErr := q.store.Reschedule(ctx, job.ID, time.Now().Add(retryAfter.After), err.Error()); rErr != nil {
			q.log.Error("reschedule failed", "job_id", job.ID, "error", rErr)
		}
		metrics.JobsTotal.WithLabelValues(job.Queue, "rescheduled").Inc()
		return
	}

	policy := policyFor(job.Queue)
	if job.Attempts >= policy.MaxAttempts {
		q.log.Warn("job exhausted retries", "job_id", job.ID, "queue", job.Queue,
			"attempts", job.Attempts, "error", err)
		if mErr := q.store.MarkFailed(ctx, job.ID, err.Error()); mErr != nil {
			q.log.Error("mark failed failed", "job_id", job.ID, "error", mErr)
		}
		metrics.JobsTotal.WithLabelValues(job.Queue, "failed").Inc()
		return
	}

	delay := policy.Backoff(job.Attempts)
	q.log.Info("job retry scheduled", "job_id", job.ID, "queue", job.Queue,
		"attempt", job.Attempts, "delay", delay, "error", err)
	if rErr := q.store.Reschedule(ctx, job.ID, time.Now().Add(delay), err.Error()); rErr != nil {
		q.log.Error("reschedule failed", "job_id", job.ID, "error", rErr)
	}
	metrics.JobsTotal.WithLabelValues(job.Queue, "rescheduled").Inc()
}

// pruner deletes terminal jobs past the retention window.
func (q *Queue) pruner(ctx context.Context) {
	defer q.wg.Done()

	retention := q.cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					q.log.Error("prune failed", "error", err)
				}
				continue
			}
			if n > 0 {
				q.log.Info("pruned terminal jobs", "count", n)
			}
		}
	}
}
