package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
	"github.com/dustfold/sweeper/internal/infra/storage/memory"
	"github.com/dustfold/sweeper/internal/queue"
	"github.com/dustfold/sweeper/internal/settle"
)

type stubQuoter struct {
	err            error
	bridgeDelivers string // when set, bridge routes deliver this token instead of the requested one
}

func (q *stubQuoter) Best(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error) {
	if q.err != nil {
		return nil, q.err
	}
	dq := &domain.DexQuote{
		Aggregator:      "stub",
		Chain:           req.Chain,
		InputToken:      req.InputToken,
		OutputToken:     req.OutputToken,
		InputAmount:     new(big.Int).Set(req.InputAmount),
		OutputAmount:    big.NewInt(500),
		OutputValueUSD:  decimal.NewFromFloat(5),
		EstimatedGasUSD: decimal.NewFromFloat(0.5),
		ExpiresAt:       time.Now().Add(time.Minute).Unix(),
		Calldata:        []byte{0x01},
	}
	// Cross-chain requests come from bridge-needing inputs in these
	// tests; mark them so the orchestrator accepts the route.
	if req.Chain != domain.ChainEthereum {
		dq.DestinationChain = domain.ChainEthereum
		if q.bridgeDelivers != "" {
			dq.OutputToken = q.bridgeDelivers
		}
	}
	return dq, nil
}

// stubSubmitter settles each chain according to a scripted outcome.
type stubSubmitter struct {
	mu         sync.Mutex
	receipts   map[domain.Chain]settle.ReceiptStatus
	receiptErr map[domain.Chain]error
	submits    map[domain.Chain]int
	fail       map[domain.Chain]error
}

func newStubSubmitter() *stubSubmitter {
	return &stubSubmitter{
		receipts:   make(map[domain.Chain]settle.ReceiptStatus),
		receiptErr: make(map[domain.Chain]error),
		submits:    make(map[domain.Chain]int),
		fail:       make(map[domain.Chain]error),
	}
}

func (s *stubSubmitter) Submit(ctx context.Context, chain domain.Chain, signedTx []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[chain]; err != nil {
		return "", err
	}
	s.submits[chain]++
	return "0xtx-" + string(chain), nil
}

func (s *stubSubmitter) Receipt(ctx context.Context, chain domain.Chain, txHash string) (*settle.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.receiptErr[chain]; err != nil {
		return nil, err
	}
	status, ok := s.receipts[chain]
	if !ok {
		status = settle.ReceiptPending
	}
	return &settle.Receipt{TxHash: txHash, Status: status}, nil
}

func (s *stubSubmitter) setReceipt(chain domain.Chain, status settle.ReceiptStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[chain] = status
}

func (s *stubSubmitter) setReceiptError(chain domain.Chain, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiptErr[chain] = err
}

func (s *stubSubmitter) setSubmitError(chain domain.Chain, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[chain] = err
}

func (s *stubSubmitter) submitCount(chain domain.Chain) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[chain]
}

type passGate struct{}

func (passGate) Admit(ctx context.Context, auth *gate.Authorization) error { return nil }

type harness struct {
	orch      *Orchestrator
	queue     *queue.Queue
	submitter *stubSubmitter
	quoter    *stubQuoter
}

func newHarness(t *testing.T, cfg config.SweepConfig) *harness {
	t.Helper()
	store := memory.NewStorage()
	q := queue.New(memory.NewJobStore(store), config.QueueConfig{
		Workers:       2,
		PollInterval:  5 * time.Millisecond,
		AwaitInterval: 5 * time.Millisecond,
		Retention:     time.Hour,
	}, slog.Default())

	sub := newStubSubmitter()
	quoter := &stubQuoter{}
	orch := NewOrchestrator(cfg, memory.NewSweepRepo(store), quoter, q, sub, passGate{}, slog.Default())

	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return &harness{orch: orch, queue: q, submitter: sub, quoter: quoter}
}

func fastConfig() config.SweepConfig {
	return config.SweepConfig{
		DustThresholdUSD: 1.0,
		SwapTrackDelay:   time.Millisecond,
		BridgeTrackDelay: 2 * time.Millisecond,
		SubmitDeadline:   time.Minute,
	}
}

func dustInput(chain domain.Chain, token string) domain.SweepInput {
	return domain.SweepInput{
		Chain:    chain,
		Token:    token,
		Symbol:   token,
		Amount:   big.NewInt(1000),
		ValueUSD: decimal.NewFromFloat(0.5),
	}
}

func signAll(s *domain.Sweep) map[domain.Chain][]byte {
	out := make(map[domain.Chain][]byte, len(s.Legs))
	for _, l := range s.Legs {
		out[l.Chain] = []byte{0xab}
	}
	return out
}

func awaitStatus(t *testing.T, orch *Orchestrator, id string, want domain.SweepStatus) *domain.Sweep {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := orch.Get(context.Background(), id)
		require.NoError(t, err)
		if s.Status == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep %s stuck in %s, wanted %s", id, s.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOrchestrator_CreateQuotesLegs(t *testing.T) {
	h := newHarness(t, fastConfig())

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{
			dustInput(domain.ChainEthereum, "0xaaa"),
			dustInput(domain.ChainPolygon, "0xbbb"),
		},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	assert.Equal(t, domain.SweepStatusQuoting, s.Status)
	require.Len(t, s.Legs, 2)
	assert.False(t, s.Leg(domain.ChainEthereum).IsBridge)
	assert.True(t, s.Leg(domain.ChainPolygon).IsBridge)
	assert.Equal(t, "1", s.FeeUSD.String()) // two legs at $0.50 gas each
	assert.Greater(t, s.QuoteExpiry(), time.Now().Unix())
}

func TestOrchestrator_CreateNoRouteFails(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.quoter.err = errors.New("no route found for pair")

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.Error(t, err)
	require.NotNil(t, s)
	assert.Equal(t, domain.SweepStatusFailed, s.Status)
}

func TestOrchestrator_FullConfirmation(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.submitter.setReceipt(domain.ChainEthereum, settle.ReceiptConfirmed)
	h.submitter.setReceipt(domain.ChainPolygon, settle.ReceiptConfirmed)

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{
			dustInput(domain.ChainEthereum, "0xaaa"),
			dustInput(domain.ChainPolygon, "0xbbb"),
		},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	s, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)
	assert.Equal(t, domain.SweepStatusSubmitted, s.Status)

	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusConfirmed)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "1000", done.OutputAmount.String()) // 500 per leg
	for _, l := range done.Legs {
		assert.Equal(t, domain.LegStatusConfirmed, l.Status)
		assert.NotEmpty(t, l.TxHash)
	}
}

func TestOrchestrator_PartialFailureKeepsSettledLeg(t *testing.T) {
	// The swap leg confirms; the bridge leg never settles and blows its
	// deadline. The sweep fails but the settled leg stays confirmed.
	cfg := fastConfig()
	cfg.SubmitDeadline = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.submitter.setReceipt(domain.ChainEthereum, settle.ReceiptConfirmed)
	// Polygon stays ReceiptPending forever.

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{
			dustInput(domain.ChainEthereum, "0xaaa"),
			dustInput(domain.ChainPolygon, "0xbbb"),
		},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusFailed)
	assert.Equal(t, domain.LegStatusConfirmed, done.Leg(domain.ChainEthereum).Status)
	assert.Equal(t, domain.LegStatusFailed, done.Leg(domain.ChainPolygon).Status)
	assert.Contains(t, done.Error, "polygon")
}

func TestOrchestrator_RevertedLegFailsSweep(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.submitter.setReceipt(domain.ChainEthereum, settle.ReceiptReverted)

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusFailed)
	assert.Contains(t, done.Leg(domain.ChainEthereum).Error, "reverted")
}

func TestOrchestrator_ExhaustedSubmissionFailsSweep(t *testing.T) {
	// A leg whose submission keeps getting rejected must end up on the
	// sweep as a failure, not die silently with the execution job.
	h := newHarness(t, fastConfig())
	h.submitter.setSubmitError(domain.ChainEthereum, errors.New("node rejects tx"))

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	// Drive the handler on its last allowed attempt, the state the
	// queue delivers once backoff runs out.
	payload, err := json.Marshal(executionPayload{SweepID: s.ID, Leg: 0})
	require.NoError(t, err)
	job := &domain.Job{Queue: domain.QueueExecution, Attempts: 5, Payload: payload}
	_, err = h.orch.handleExecution(context.Background(), job)
	require.NoError(t, err)

	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusFailed)
	leg := done.Leg(domain.ChainEthereum)
	assert.Equal(t, domain.LegStatusFailed, leg.Status)
	assert.Contains(t, leg.Error, "node rejects")
	assert.Contains(t, done.Error, "ethereum")
}

func TestOrchestrator_ReceiptErrorsBoundedByDeadline(t *testing.T) {
	// A settlement RPC that errors on every lookup must not keep the
	// sweep open past the submit deadline.
	cfg := fastConfig()
	cfg.SubmitDeadline = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.submitter.setReceiptError(domain.ChainEthereum, errors.New("rpc unreachable"))

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusFailed)
	leg := done.Leg(domain.ChainEthereum)
	assert.Equal(t, domain.LegStatusFailed, leg.Status)
	assert.Contains(t, leg.Error, "deadline")
}

func TestOrchestrator_DepositLegWaitsForBridgeConfirmation(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.quoter.bridgeDelivers = "0xbridged"
	h.submitter.setReceipt(domain.ChainEthereum, settle.ReceiptConfirmed)
	// The polygon bridge receipt stays pending until released below.

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainPolygon, "0xbbb")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)
	require.Len(t, s.Legs, 2)
	assert.True(t, s.Legs[0].IsBridge)
	assert.Equal(t, "0xbridged", s.Legs[0].Quote.OutputToken)
	assert.Equal(t, []domain.Chain{domain.ChainPolygon}, s.Legs[1].DependsOn)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	// The bridge leg submits; the deposit leg holds until it confirms.
	require.Eventually(t, func() bool {
		return h.submitter.submitCount(domain.ChainPolygon) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.submitter.submitCount(domain.ChainEthereum))

	h.submitter.setReceipt(domain.ChainPolygon, settle.ReceiptConfirmed)
	done := awaitStatus(t, h.orch, s.ID, domain.SweepStatusConfirmed)
	assert.Equal(t, 1, h.submitter.submitCount(domain.ChainEthereum))
	// Only the deposit leg delivers the output token; the bridged
	// intermediate must not be double counted.
	assert.Equal(t, "500", done.OutputAmount.String())
}

func TestOrchestrator_SignRejectsExpiredQuote(t *testing.T) {
	h := newHarness(t, fastConfig())

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	// Move the orchestrator clock past the quote deadline. The quote
	// was valid when generated; it must still be rejected now.
	h.orch.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	assert.ErrorIs(t, err, ErrQuoteExpired)

	got, err := h.orch.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepStatusQuoting, got.Status)
	assert.Equal(t, 0, h.submitter.submitCount(domain.ChainEthereum))
}

func TestOrchestrator_SignRequiresAllLegSignatures(t *testing.T) {
	h := newHarness(t, fastConfig())

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{
			dustInput(domain.ChainEthereum, "0xaaa"),
			dustInput(domain.ChainPolygon, "0xbbb"),
		},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil,
		map[domain.Chain][]byte{domain.ChainEthereum: {0xab}})
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestOrchestrator_CancelBeforeSubmission(t *testing.T) {
	h := newHarness(t, fastConfig())

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepStatusCancelled, cancelled.Status)
}

func TestOrchestrator_CancelAfterSubmissionRejected(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.submitter.setReceipt(domain.ChainEthereum, settle.ReceiptConfirmed)

	s, err := h.orch.Create(context.Background(), "0xwallet",
		[]domain.SweepInput{dustInput(domain.ChainEthereum, "0xaaa")},
		domain.ChainEthereum, "0xusdc")
	require.NoError(t, err)

	_, err = h.orch.Sign(context.Background(), s.ID, nil, signAll(s))
	require.NoError(t, err)

	_, err = h.orch.Cancel(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.SweepStatusPending, domain.SweepStatusQuoting))
	assert.True(t, CanTransition(domain.SweepStatusQuoting, domain.SweepStatusCancelled))
	assert.True(t, CanTransition(domain.SweepStatusSubmitted, domain.SweepStatusFailed))
	assert.False(t, CanTransition(domain.SweepStatusSubmitted, domain.SweepStatusCancelled))
	assert.False(t, CanTransition(domain.SweepStatusConfirmed, domain.SweepStatusPending))
	assert.False(t, CanTransition(domain.SweepStatusQuoting, domain.SweepStatusSubmitted))
}
