package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/queue"
	"github.com/dustfold/sweeper/internal/settle"
)

// executionPayload drives one leg's submission. The signed transaction
// and the approved quote snapshot live on the persisted leg, so the
// payload only needs to point at it.
type executionPayload struct {
	SweepID string `json:"sweep_id"`
	Leg     int    `json:"leg"`
}

// trackingPayload drives one leg's receipt polling until the deadline.
type trackingPayload struct {
	SweepID  string    `json:"sweep_id"`
	Leg      int       `json:"leg"`
	TxHash   string    `json:"tx_hash"`
	Deadline time.Time `json:"deadline"`
}

func executionIdentity(sweepID string, leg int) string {
	return fmt.Sprintf("sweep:%s:execute:%d", sweepID, leg)
}

func trackingIdentity(sweepID string, leg int) string {
	return fmt.Sprintf("sweep:%s:track:%d", sweepID, leg)
}

func (o *Orchestrator) enqueueExecution(ctx context.Context, s *domain.Sweep, leg int) error {
	payload := executionPayload{SweepID: s.ID, Leg: leg}
	_, err := o.queue.Enqueue(ctx, domain.QueueExecution, executionIdentity(s.ID, leg), payload)
	return err
}

// enqueueTracking schedules receipt polling for a submitted leg. Bridge
// legs get a longer initial delay since bridge finality is slower. A
// zero runAt means "due now" and is used by the re-driver.
func (o *Orchestrator) enqueueTracking(ctx context.Context, s *domain.Sweep, leg int, runAt time.Time) error {
	l := &s.Legs[leg]
	if runAt.IsZero() {
		delay := o.cfg.SwapTrackDelay
		if l.IsBridge {
			delay = o.cfg.BridgeTrackDelay
		}
		runAt = o.now().Add(delay)
	}
	payload := trackingPayload{
		SweepID:  s.ID,
		Leg:      leg,
		TxHash:   l.TxHash,
		Deadline: o.now().Add(o.cfg.SubmitDeadline),
	}
	_, err := o.queue.EnqueueAt(ctx, domain.QueueTracking, trackingIdentity(s.ID, leg), payload, runAt)
	return err
}

// handleExecution broadcasts one leg's signed transaction. Execution is
// bound to the quote snapshot the user approved; nothing is re-fetched.
func (o *Orchestrator) handleExecution(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p executionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode execution payload: %w", err)
	}
	defer o.lockSweep(p.SweepID)()

	s, err := o.repo.Get(ctx, p.SweepID)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SweepStatusSubmitted {
		// Terminal race: the sweep failed on another leg while this job
		// waited. Nothing left to submit.
		o.log.Info("execution skipped, sweep no longer submitted",
			"sweep_id", s.ID, "status", s.Status)
		return nil, nil
	}
	if p.Leg < 0 || p.Leg >= len(s.Legs) {
		return nil, fmt.Errorf("sweep %s has no leg %d", s.ID, p.Leg)
	}
	leg := &s.Legs[p.Leg]
	if leg.Status != domain.LegStatusPending {
		return nil, nil // already submitted by an earlier attempt
	}
	if len(leg.SignedTx) == 0 {
		return nil, fmt.Errorf("leg %d on %s has no signed transaction", p.Leg, leg.Chain)
	}

	txHash, err := o.submitter.Submit(ctx, leg.Chain, leg.SignedTx)
	if err != nil {
		// Out of retries: the outcome has to land on the sweep, or it
		// would sit in submitted with a pending leg forever.
		if queue.FinalAttempt(job) {
			return o.settleLeg(ctx, s, p.Leg, domain.LegStatusFailed,
				fmt.Sprintf("submission failed on %s: %v", leg.Chain, err))
		}
		return nil, fmt.Errorf("submit %s leg: %w", leg.Chain, err)
	}

	leg.Status = domain.LegStatusSubmitted
	leg.TxHash = txHash
	s.UpdatedAt = o.now()
	if err := o.repo.Update(ctx, s, domain.SweepStatusSubmitted); err != nil {
		return nil, fmt.Errorf("persist submitted leg: %w", err)
	}
	o.log.Info("leg submitted", "sweep_id", s.ID, "chain", leg.Chain, "tx", txHash)

	if err := o.enqueueTracking(ctx, s, p.Leg, time.Time{}); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"tx_hash": txHash})
}

// handleTracking polls one leg's receipt. Pending receipts reschedule
// until the deadline; a revert or a blown deadline fails the leg. A
// failed leg never rolls back a settled sibling.
func (o *Orchestrator) handleTracking(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var p trackingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode tracking payload: %w", err)
	}
	defer o.lockSweep(p.SweepID)()

	s, err := o.repo.Get(ctx, p.SweepID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, nil
	}
	if p.Leg < 0 || p.Leg >= len(s.Legs) {
		return nil, fmt.Errorf("sweep %s has no leg %d", s.ID, p.Leg)
	}
	leg := &s.Legs[p.Leg]
	if leg.Status != domain.LegStatusSubmitted {
		return nil, nil
	}

	receipt, err := o.submitter.Receipt(ctx, leg.Chain, p.TxHash)
	if err != nil {
		// The deadline bounds erroring lookups too, or a dead RPC would
		// keep the sweep open indefinitely.
		if o.now().After(p.Deadline) {
			return o.settleLeg(ctx, s, p.Leg, domain.LegStatusFailed,
				fmt.Sprintf("no receipt before deadline for tx %s: %v", p.TxHash, err))
		}
		return nil, &queue.RetryAfterError{After: o.trackInterval(leg), Cause: err}
	}

	switch receipt.Status {
	case settle.ReceiptPending:
		if o.now().After(p.Deadline) {
			return o.settleLeg(ctx, s, p.Leg, domain.LegStatusFailed,
				fmt.Sprintf("no confirmation before deadline for tx %s", p.TxHash))
		}
		return nil, &queue.RetryAfterError{
			After: o.trackInterval(leg),
			Cause: fmt.Errorf("tx %s not yet settled on %s", p.TxHash, leg.Chain),
		}
	case settle.ReceiptReverted:
		return o.settleLeg(ctx, s, p.Leg, domain.LegStatusFailed,
			fmt.Sprintf("tx %s reverted on %s", p.TxHash, leg.Chain))
	default:
		return o.settleLeg(ctx, s, p.Leg, domain.LegStatusConfirmed, "")
	}
}

func (o *Orchestrator) trackInterval(leg *domain.SweepLeg) time.Duration {
	if leg.IsBridge {
		return o.cfg.BridgeTrackDelay
	}
	return o.cfg.SwapTrackDelay
}

// settleLeg records a leg outcome, releases dependent legs on success
// and aggregates the overall sweep status.
func (o *Orchestrator) settleLeg(ctx context.Context, s *domain.Sweep, leg int, status domain.LegStatus, errMsg string) (json.RawMessage, error) {
	l := &s.Legs[leg]
	l.Status = status
	l.Error = errMsg
	s.UpdatedAt = o.now()
	if err := o.repo.Update(ctx, s, domain.SweepStatusSubmitted); err != nil {
		return nil, fmt.Errorf("persist leg outcome: %w", err)
	}
	o.log.Info("leg settled", "sweep_id", s.ID, "chain", l.Chain, "status", status, "error", errMsg)

	if status == domain.LegStatusConfirmed {
		if err := o.releaseDependents(ctx, s); err != nil {
			return nil, err
		}
	}
	if err := o.aggregate(ctx, s); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"leg_status": string(status)})
}

// releaseDependents enqueues execution for pending legs whose bridge
// prerequisites have all confirmed.
func (o *Orchestrator) releaseDependents(ctx context.Context, s *domain.Sweep) error {
	for i := range s.Legs {
		l := &s.Legs[i]
		if l.Status != domain.LegStatusPending || len(l.DependsOn) == 0 {
			continue
		}
		ready := true
		for _, dep := range l.DependsOn {
			depLeg := s.Leg(dep)
			if depLeg == nil || depLeg.Status != domain.LegStatusConfirmed {
				ready = false
				break
			}
		}
		if ready {
			if err := o.enqueueExecution(ctx, s, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// aggregate folds leg outcomes into the sweep status. Confirmed only
// when every leg confirmed; failed as soon as any leg fails, with the
// per-leg detail retained so partial success stays visible.
func (o *Orchestrator) aggregate(ctx context.Context, s *domain.Sweep) error {
	confirmed := 0
	for i := range s.Legs {
		switch s.Legs[i].Status {
		case domain.LegStatusFailed:
			s.Error = fmt.Sprintf("leg %s failed: %s", s.Legs[i].Chain, s.Legs[i].Error)
			return o.transition(ctx, s, domain.SweepStatusFailed)
		case domain.LegStatusConfirmed:
			confirmed++
		}
	}
	if confirmed < len(s.Legs) {
		return nil // still in flight
	}

	s.OutputAmount = totalOutput(s)
	return o.transition(ctx, s, domain.SweepStatusConfirmed)
}

// totalOutput sums the quoted amounts of legs that deliver the sweep's
// output token. Bridge legs that feed a dependent deposit leg deliver
// an intermediate asset and are excluded, or the deposit would be
// counted twice.
func totalOutput(s *domain.Sweep) *big.Int {
	total := new(big.Int)
	for i := range s.Legs {
		q := s.Legs[i].Quote
		if q == nil || q.OutputAmount == nil || q.OutputToken != s.OutputToken {
			continue
		}
		total.Add(total, q.OutputAmount)
	}
	return total
}
