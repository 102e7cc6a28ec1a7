package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
	"github.com/dustfold/sweeper/internal/infra/storage"
	"github.com/dustfold/sweeper/internal/metrics"
	"github.com/dustfold/sweeper/internal/queue"
	"github.com/dustfold/sweeper/internal/settle"
)

var (
	// ErrQuoteExpired rejects signing against a stale quote. The sweep
	// stays in quoting; the caller must re-quote, never execute.
	ErrQuoteExpired = errors.New("quote expired, sweep must be re-quoted")

	// ErrNotCancellable is returned once submission has begun.
	ErrNotCancellable = errors.New("sweep can no longer be cancelled")

	// ErrNoInputs is returned for an empty dust selection.
	ErrNoInputs = errors.New("sweep has no inputs")

	// ErrMissingSignature is returned when signing covers fewer legs
	// than the sweep has.
	ErrMissingSignature = errors.New("signed payload missing for leg")
)

// Quoter supplies the best quote for a request. Satisfied by the quote
// selector.
type Quoter interface {
	Best(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error)
}

// Admitter guards monetized operations. Satisfied by the payment gate.
type Admitter interface {
	Admit(ctx context.Context, auth *gate.Authorization) error
}

// Orchestrator drives sweeps through their state machine. All status
// moves go through the repository's conditional update so concurrent
// writers lose cleanly instead of clobbering each other.
type Orchestrator struct {
	cfg       config.SweepConfig
	repo      storage.SweepRepository
	quoter    Quoter
	queue     *queue.Queue
	submitter settle.Submitter
	admitter  Admitter
	log       *slog.Logger
	now       func() time.Time

	// Leg updates are read-modify-write over the whole sweep document;
	// concurrent job handlers for sibling legs must not interleave.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator wires the orchestrator and registers its job
// handlers on the queue.
func NewOrchestrator(
	cfg config.SweepConfig,
	repo storage.SweepRepository,
	quoter Quoter,
	q *queue.Queue,
	submitter settle.Submitter,
	admitter Admitter,
	log *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		quoter:    quoter,
		queue:     q,
		submitter: submitter,
		admitter:  admitter,
		log:       log,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	q.Register(domain.QueueExecution, o.handleExecution)
	q.Register(domain.QueueTracking, o.handleTracking)
	return o
}

// Create builds a sweep from a dust selection, gathers quotes for every
// leg and leaves the sweep in quoting, ready to be presented.
func (o *Orchestrator) Create(ctx context.Context, wallet string, inputs []domain.SweepInput, outputChain domain.Chain, outputToken string) (*domain.Sweep, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	now := o.now()
	s := &domain.Sweep{
		ID:          uuid.NewString(),
		Wallet:      wallet,
		Status:      domain.SweepStatusPending,
		Inputs:      inputs,
		OutputChain: outputChain,
		OutputToken: outputToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create sweep: %w", err)
	}
	metrics.SweepsInFlight.Inc()

	legs, feeUSD, err := o.quoteLegs(ctx, s)
	if err != nil {
		o.log.Warn("sweep quoting failed", "sweep_id", s.ID, "error", err)
		s.Error = err.Error()
		if tErr := o.transition(ctx, s, domain.SweepStatusFailed); tErr != nil {
			return nil, tErr
		}
		return s, err
	}

	s.Legs = legs
	s.FeeUSD = feeUSD
	if err := o.transition(ctx, s, domain.SweepStatusQuoting); err != nil {
		return nil, err
	}
	o.log.Info("sweep quoted", "sweep_id", s.ID, "wallet", wallet,
		"legs", len(legs), "fee_usd", feeUSD, "expires_at", s.QuoteExpiry())
	return s, nil
}

// quoteLegs fetches one firm quote per input. Inputs already on the
// output chain become swap legs; everything else becomes a bridge leg
// into the destination. A bridge route that delivers an intermediate
// asset gets a dependent deposit leg on the destination chain, held
// back until the bridge leg confirms.
func (o *Orchestrator) quoteLegs(ctx context.Context, s *domain.Sweep) ([]domain.SweepLeg, decimal.Decimal, error) {
	var legs []domain.SweepLeg
	fee := decimal.Zero
	for _, in := range s.Inputs {
		req := domain.QuoteRequest{
			Chain:                in.Chain,
			InputToken:           in.Token,
			OutputToken:          s.OutputToken,
			InputAmount:          in.Amount,
			UserAddress:          s.Wallet,
			IncludeExecutionData: true,
		}
		q, err := o.quoter.Best(ctx, req)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("quote %s %s: %w", in.Chain, in.Token, err)
		}
		isBridge := in.Chain != s.OutputChain
		if isBridge && !q.IsBridge() {
			return nil, decimal.Zero, fmt.Errorf("no bridge route from %s to %s for %s", in.Chain, s.OutputChain, in.Token)
		}
		legs = append(legs, domain.SweepLeg{
			Chain:    in.Chain,
			Quote:    q,
			Status:   domain.LegStatusPending,
			IsBridge: isBridge,
		})
		fee = fee.Add(q.EstimatedGasUSD)

		if isBridge && q.OutputToken != s.OutputToken {
			dep, err := o.quoter.Best(ctx, domain.QuoteRequest{
				Chain:                s.OutputChain,
				InputToken:           q.OutputToken,
				OutputToken:          s.OutputToken,
				InputAmount:          q.OutputAmount,
				UserAddress:          s.Wallet,
				IncludeExecutionData: true,
			})
			if err != nil {
				return nil, decimal.Zero, fmt.Errorf("deposit quote %s %s: %w", s.OutputChain, q.OutputToken, err)
			}
			legs = append(legs, domain.SweepLeg{
				Chain:     s.OutputChain,
				Quote:     dep,
				Status:    domain.LegStatusPending,
				DependsOn: []domain.Chain{in.Chain},
			})
			fee = fee.Add(dep.EstimatedGasUSD)
		}
	}
	return legs, fee, nil
}

// Sign accepts the user's signed transactions and moves the sweep to
// submitted. The quote deadline is enforced here: a stale quote is
// rejected even if it was valid when generated.
func (o *Orchestrator) Sign(ctx context.Context, id string, auth *gate.Authorization, signed map[domain.Chain][]byte) (*domain.Sweep, error) {
	if err := o.admitter.Admit(ctx, auth); err != nil {
		return nil, err
	}

	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SweepStatusQuoting {
		return nil, &InvalidTransitionError{From: s.Status, To: domain.SweepStatusSigning}
	}
	if expiry := s.QuoteExpiry(); expiry > 0 && o.now().Unix() >= expiry {
		return nil, ErrQuoteExpired
	}
	for i := range s.Legs {
		tx, ok := signed[s.Legs[i].Chain]
		if !ok || len(tx) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingSignature, s.Legs[i].Chain)
		}
		s.Legs[i].SignedTx = tx
	}

	if err := o.transition(ctx, s, domain.SweepStatusSigning); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, s, domain.SweepStatusSubmitted); err != nil {
		return nil, err
	}

	// Enqueue only after the submitted state is durable, so a worker
	// racing ahead never sees a sweep that is not ready for execution.
	// Legs with unmet dependencies wait; the tracking handler releases
	// them as prerequisites confirm.
	for i := range s.Legs {
		if len(s.Legs[i].DependsOn) == 0 {
			if err := o.enqueueExecution(ctx, s, i); err != nil {
				return nil, err
			}
		}
	}
	o.log.Info("sweep submitted", "sweep_id", s.ID, "legs", len(s.Legs))
	return s, nil
}

// Cancel aborts a sweep that has not reached submission.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*domain.Sweep, error) {
	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(s.Status, domain.SweepStatusCancelled) {
		return nil, ErrNotCancellable
	}
	if err := o.transition(ctx, s, domain.SweepStatusCancelled); err != nil {
		return nil, err
	}
	o.log.Info("sweep cancelled", "sweep_id", s.ID)
	return s, nil
}

// Get returns one sweep.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Sweep, error) {
	return o.repo.Get(ctx, id)
}

// ListByWallet returns a wallet's sweeps, newest first.
func (o *Orchestrator) ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error) {
	return o.repo.ListByWallet(ctx, wallet, limit)
}

// RedriveTracking re-enqueues tracking for submitted legs. Tracking
// jobs get a single queue attempt; this keeps them alive across worker
// crashes without double-tracking, since the job identity dedups.
func (o *Orchestrator) RedriveTracking(ctx context.Context) error {
	sweeps, err := o.repo.ListByStatus(ctx, domain.SweepStatusSubmitted)
	if err != nil {
		return err
	}
	for _, s := range sweeps {
		for i := range s.Legs {
			leg := &s.Legs[i]
			if leg.Status != domain.LegStatusSubmitted || leg.TxHash == "" {
				continue
			}
			if err := o.enqueueTracking(ctx, s, i, time.Time{}); err != nil {
				o.log.Error("tracking redrive failed", "sweep_id", s.ID, "chain", leg.Chain, "error", err)
			}
		}
	}
	return nil
}

// lockSweep serializes document-level mutations for one sweep within
// this process. The repository's conditional update still guards
// against writers elsewhere.
func (o *Orchestrator) lockSweep(id string) func() {
	o.mu.Lock()
	m, ok := o.locks[id]
	if !ok {
		m = &sync.Mutex{}
		o.locks[id] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// transition persists a status move, guarded by the machine table and
// the repository's conditional update.
func (o *Orchestrator) transition(ctx context.Context, s *domain.Sweep, to domain.SweepStatus) error {
	from := s.Status
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	s.Status = to
	s.UpdatedAt = o.now()
	if to.Terminal() {
		t := s.UpdatedAt
		s.CompletedAt = &t
	}
	if err := o.repo.Update(ctx, s, from); err != nil {
		s.Status = from
		return err
	}
	metrics.SweepTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to.Terminal() {
		metrics.SweepsInFlight.Dec()
		o.mu.Lock()
		delete(o.locks, s.ID)
		o.mu.Unlock()
	}
	return nil
}
