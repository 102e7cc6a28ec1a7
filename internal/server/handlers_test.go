package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
	"github.com/dustfold/sweeper/internal/infra/storage"
	"github.com/dustfold/sweeper/internal/infra/storage/memory"
	"github.com/dustfold/sweeper/internal/quote"
	"github.com/dustfold/sweeper/internal/sweep"
)

type stubScanner struct {
	result *domain.PortfolioScan
	err    error
	calls  int
}

func (s *stubScanner) Scan(ctx context.Context, wallet string) (*domain.PortfolioScan, error) {
	s.calls++
	return s.result, s.err
}

type stubQuoter struct {
	quote *domain.DexQuote
	err   error
}

func (q *stubQuoter) Best(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error) {
	return q.quote, q.err
}

type stubOrch struct {
	sweeps  map[string]*domain.Sweep
	signErr error
}

func (o *stubOrch) Create(ctx context.Context, wallet string, inputs []domain.SweepInput, outputChain domain.Chain, outputToken string) (*domain.Sweep, error) {
	if len(inputs) == 0 {
		return nil, sweep.ErrNoInputs
	}
	s := &domain.Sweep{ID: "s-1", Wallet: wallet, Status: domain.SweepStatusQuoting,
		Inputs: inputs, OutputChain: outputChain, OutputToken: outputToken}
	o.sweeps[s.ID] = s
	return s, nil
}

func (o *stubOrch) Sign(ctx context.Context, id string, auth *gate.Authorization, signed map[domain.Chain][]byte) (*domain.Sweep, error) {
	if o.signErr != nil {
		return nil, o.signErr
	}
	s, ok := o.sweeps[id]
	if !ok {
		return nil, storage.ErrSweepNotFound
	}
	s.Status = domain.SweepStatusSubmitted
	return s, nil
}

func (o *stubOrch) Cancel(ctx context.Context, id string) (*domain.Sweep, error) {
	s, ok := o.sweeps[id]
	if !ok {
		return nil, storage.ErrSweepNotFound
	}
	if s.Status == domain.SweepStatusSubmitted {
		return nil, sweep.ErrNotCancellable
	}
	s.Status = domain.SweepStatusCancelled
	return s, nil
}

func (o *stubOrch) Get(ctx context.Context, id string) (*domain.Sweep, error) {
	s, ok := o.sweeps[id]
	if !ok {
		return nil, storage.ErrSweepNotFound
	}
	return s, nil
}

func (o *stubOrch) ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error) {
	var out []*domain.Sweep
	for _, s := range o.sweeps {
		if s.Wallet == wallet {
			out = append(out, s)
		}
	}
	return out, nil
}

type memSnapshots struct {
	data map[string]string
}

func (m *memSnapshots) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memSnapshots) SetTTL(ctx context.Context, key, val string, ttl time.Duration) error {
	m.data[key] = val
	return nil
}

func (m *memSnapshots) Del(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func testServer(t *testing.T) (*echo.Echo, *Handlers, *stubOrch, *stubScanner) {
	t.Helper()
	store := memory.NewStorage()
	scanner := &stubScanner{result: &domain.PortfolioScan{
		Wallet:        "0xwallet",
		TotalValueUSD: decimal.NewFromInt(42),
		ScannedAt:     time.Now(),
	}}
	orch := &stubOrch{sweeps: make(map[string]*domain.Sweep)}
	h := &Handlers{
		Scanner:     scanner,
		Quoter:      &stubQuoter{quote: &domain.DexQuote{Aggregator: "stub", OutputAmount: big.NewInt(1)}},
		Orch:        orch,
		Tokens:      memory.NewTokenRepo(store),
		Snapshots:   &memSnapshots{data: make(map[string]string)},
		SnapshotTTL: time.Minute,
		DefaultSlip: 0.5,
		HealthChecks: map[string]func(ctx context.Context) error{
			"store": func(ctx context.Context) error { return nil },
		},
		Log: slog.Default(),
	}
	e := echo.New()
	RegisterRoutes(e, h)
	return e, h, orch, scanner
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e, _, _, _ := testServer(t)
	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "ok", resp.Checks["store"])
}

func TestScanWallet_CachesSnapshot(t *testing.T) {
	e, _, _, scanner := testServer(t)

	rec := do(e, http.MethodGet, "/v1/scan/0xwallet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, scanner.calls)

	// Second request is served from the snapshot.
	rec = do(e, http.MethodGet, "/v1/scan/0xwallet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, scanner.calls)

	// refresh=true bypasses it.
	rec = do(e, http.MethodGet, "/v1/scan/0xwallet?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, scanner.calls)
}

func TestScanWallet_RefreshDropsStaleSnapshot(t *testing.T) {
	e, _, _, scanner := testServer(t)

	rec := do(e, http.MethodGet, "/v1/scan/0xwallet", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The indexers go down. A refresh must not leave the old snapshot
	// behind for later plain requests to serve.
	scanner.err = errors.New("indexer down")
	rec = do(e, http.MethodGet, "/v1/scan/0xwallet?refresh=true", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(e, http.MethodGet, "/v1/scan/0xwallet", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestQuote_Validation(t *testing.T) {
	e, _, _, _ := testServer(t)

	rec := do(e, http.MethodPost, "/v1/quote", `{"chain":"ethereum","input_token":"0xa"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/quote",
		`{"chain":"ethereum","input_token":"0xa","output_token":"0xb","input_amount":"-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/quote",
		`{"chain":"dogecoin","input_token":"0xa","output_token":"0xb","input_amount":"1000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/quote",
		`{"chain":"ethereum","input_token":"0xa","output_token":"0xb","input_amount":"1000"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuote_NoRoute(t *testing.T) {
	e, h, _, _ := testServer(t)
	h.Quoter = &stubQuoter{err: quote.ErrNoRoute}

	rec := do(e, http.MethodPost, "/v1/quote",
		`{"chain":"ethereum","input_token":"0xa","output_token":"0xb","input_amount":"1000"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSweepLifecycleEndpoints(t *testing.T) {
	e, _, _, _ := testServer(t)

	body := `{"wallet":"0xwallet","output_chain":"ethereum","output_token":"0xusdc",
		"inputs":[{"chain":"ethereum","token":"0xdust","amount":1000,"value_usd":"0.4"}]}`
	rec := do(e, http.MethodPost, "/v1/sweeps", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Sweep
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.SweepStatusQuoting, created.Status)

	rec = do(e, http.MethodGet, "/v1/sweeps/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/v1/sweeps?wallet=0xwallet", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list SweepListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)

	rec = do(e, http.MethodPost, "/v1/sweeps/"+created.ID+"/sign",
		`{"signed_txs":{"ethereum":"qw=="}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPost, "/v1/sweeps/"+created.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateSweep_UnknownChainRejected(t *testing.T) {
	e, _, _, _ := testServer(t)

	rec := do(e, http.MethodPost, "/v1/sweeps",
		`{"wallet":"0xwallet","output_chain":"dogecoin","output_token":"0xusdc",
			"inputs":[{"chain":"ethereum","token":"0xdust","amount":1000}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/sweeps",
		`{"wallet":"0xwallet","output_chain":"ethereum","output_token":"0xusdc",
			"inputs":[{"chain":"dogecoin","token":"0xdust","amount":1000}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignSweep_ErrorMapping(t *testing.T) {
	e, _, orch, _ := testServer(t)
	orch.sweeps["s-1"] = &domain.Sweep{ID: "s-1", Status: domain.SweepStatusQuoting}

	orch.signErr = sweep.ErrQuoteExpired
	rec := do(e, http.MethodPost, "/v1/sweeps/s-1/sign", `{"signed_txs":{}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	orch.signErr = gate.ErrPaymentRequired
	rec = do(e, http.MethodPost, "/v1/sweeps/s-1/sign", `{"signed_txs":{}}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	orch.signErr = gate.ErrNonceReplayed
	rec = do(e, http.MethodPost, "/v1/sweeps/s-1/sign", `{"signed_txs":{}}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestGetSweep_NotFound(t *testing.T) {
	e, _, _, _ := testServer(t)
	rec := do(e, http.MethodGet, "/v1/sweeps/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
