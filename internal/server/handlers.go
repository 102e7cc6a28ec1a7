package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
	"github.com/dustfold/sweeper/internal/infra/storage"
	"github.com/dustfold/sweeper/internal/quote"
	"github.com/dustfold/sweeper/internal/sweep"
)

// PortfolioScanner runs a full multi-chain wallet scan.
type PortfolioScanner interface {
	Scan(ctx context.Context, walletAddress string) (*domain.PortfolioScan, error)
}

// Orchestrator is the sweep surface the API exposes.
type Orchestrator interface {
	Create(ctx context.Context, wallet string, inputs []domain.SweepInput, outputChain domain.Chain, outputToken string) (*domain.Sweep, error)
	Sign(ctx context.Context, id string, auth *gate.Authorization, signed map[domain.Chain][]byte) (*domain.Sweep, error)
	Cancel(ctx context.Context, id string) (*domain.Sweep, error)
	Get(ctx context.Context, id string) (*domain.Sweep, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*domain.Sweep, error)
}

// SnapshotCache holds short-lived scan snapshots. Satisfied by the
// redis client.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetTTL(ctx context.Context, key, val string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Handlers carries the dependencies of the API endpoints.
type Handlers struct {
	Scanner      PortfolioScanner
	Quoter       sweep.Quoter
	Orch         Orchestrator
	Tokens       storage.TokenRepository
	Snapshots    SnapshotCache
	SnapshotTTL  time.Duration
	DefaultSlip  float64
	HealthChecks map[string]func(ctx context.Context) error
	Log          *slog.Logger
}

func (h *Handlers) err(c echo.Context, code int, msg string) error {
	return c.JSON(code, ErrorResponse{Error: msg, Code: code})
}

// Health pings every registered dependency.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, Checks: make(map[string]string, len(h.HealthChecks))}
	for name, check := range h.HealthChecks {
		if err := check(ctx); err != nil {
			resp.OK = false
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// ScanWallet runs a portfolio scan. Fresh results are persisted per
// chain and a snapshot is cached so dashboard refreshes stay cheap.
func (h *Handlers) ScanWallet(c echo.Context) error {
	wallet := strings.TrimSpace(c.Param("wallet"))
	if wallet == "" {
		return h.err(c, http.StatusBadRequest, "wallet address required")
	}
	ctx := c.Request().Context()

	if h.Snapshots != nil {
		if c.QueryParam("refresh") == "true" {
			// Drop the snapshot up front so a failed rescan cannot keep
			// serving data the caller explicitly asked to bypass.
			_ = h.Snapshots.Del(ctx, "scan:"+wallet)
		} else if raw, found, err := h.Snapshots.Get(ctx, "scan:"+wallet); err == nil && found {
			var cached domain.PortfolioScan
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return c.JSON(http.StatusOK, &cached)
			}
		}
	}

	res, err := h.Scanner.Scan(ctx, wallet)
	if err != nil {
		h.Log.Error("scan failed", "wallet", wallet, "error", err)
		return h.err(c, http.StatusBadGateway, "scan failed")
	}

	for _, cb := range res.Chains {
		if err := h.Tokens.ReplaceForChain(ctx, wallet, cb.Chain, cb.Tokens); err != nil {
			h.Log.Error("persist scan failed", "wallet", wallet, "chain", cb.Chain, "error", err)
		}
	}
	if h.Snapshots != nil {
		if raw, err := json.Marshal(res); err == nil {
			_ = h.Snapshots.SetTTL(ctx, "scan:"+wallet, string(raw), h.SnapshotTTL)
		}
	}
	return c.JSON(http.StatusOK, res)
}

// Quote returns the best preview quote across all adapters.
func (h *Handlers) Quote(c echo.Context) error {
	var body QuoteRequestBody
	if err := c.Bind(&body); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json")
	}
	if body.Chain == "" || body.InputToken == "" || body.OutputToken == "" {
		return h.err(c, http.StatusBadRequest, "chain, input_token and output_token are required")
	}
	if !domain.KnownChain(domain.Chain(body.Chain)) {
		return h.err(c, http.StatusBadRequest, "unsupported chain "+body.Chain)
	}
	amount, ok := new(big.Int).SetString(body.InputAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return h.err(c, http.StatusBadRequest, "input_amount must be a positive integer")
	}
	slip := body.SlippageTolerancePct
	if slip <= 0 {
		slip = h.DefaultSlip
	}

	q, err := h.Quoter.Best(c.Request().Context(), domain.QuoteRequest{
		Chain:                domain.Chain(body.Chain),
		InputToken:           body.InputToken,
		OutputToken:          body.OutputToken,
		InputAmount:          amount,
		SlippageTolerancePct: decimal.NewFromFloat(slip),
		UserAddress:          body.UserAddress,
	})
	if err != nil {
		if errors.Is(err, quote.ErrNoRoute) {
			return h.err(c, http.StatusUnprocessableEntity, "no route found for pair")
		}
		h.Log.Error("quote failed", "chain", body.Chain, "error", err)
		return h.err(c, http.StatusBadGateway, "quote failed")
	}
	return c.JSON(http.StatusOK, q)
}

// CreateSweep builds and quotes a new sweep from a dust selection.
func (h *Handlers) CreateSweep(c echo.Context) error {
	var req SweepCreateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json")
	}
	if req.Wallet == "" || req.OutputChain == "" || req.OutputToken == "" {
		return h.err(c, http.StatusBadRequest, "wallet, output_chain and output_token are required")
	}
	if !domain.KnownChain(domain.Chain(req.OutputChain)) {
		return h.err(c, http.StatusBadRequest, "unsupported chain "+req.OutputChain)
	}
	for _, in := range req.Inputs {
		if !domain.KnownChain(in.Chain) {
			return h.err(c, http.StatusBadRequest, "unsupported chain "+string(in.Chain))
		}
	}

	s, err := h.Orch.Create(c.Request().Context(), req.Wallet, req.Inputs,
		domain.Chain(req.OutputChain), req.OutputToken)
	switch {
	case errors.Is(err, sweep.ErrNoInputs):
		return h.err(c, http.StatusBadRequest, "sweep has no inputs")
	case err != nil:
		// The failed sweep document, when one exists, still comes back
		// so the caller can see which leg had no route.
		if s != nil {
			return c.JSON(http.StatusUnprocessableEntity, s)
		}
		h.Log.Error("create sweep failed", "wallet", req.Wallet, "error", err)
		return h.err(c, http.StatusBadGateway, "sweep creation failed")
	}
	return c.JSON(http.StatusCreated, s)
}

// GetSweep returns one sweep document.
func (h *Handlers) GetSweep(c echo.Context) error {
	s, err := h.Orch.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrSweepNotFound) {
			return h.err(c, http.StatusNotFound, "sweep not found")
		}
		return h.err(c, http.StatusInternalServerError, "failed to load sweep")
	}
	return c.JSON(http.StatusOK, s)
}

// ListSweeps returns a wallet's sweeps, newest first.
func (h *Handlers) ListSweeps(c echo.Context) error {
	wallet := strings.TrimSpace(c.QueryParam("wallet"))
	if wallet == "" {
		return h.err(c, http.StatusBadRequest, "wallet query parameter required")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return h.err(c, http.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = n
	}

	items, err := h.Orch.ListByWallet(c.Request().Context(), wallet, limit)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to list sweeps")
	}
	if items == nil {
		items = []*domain.Sweep{}
	}
	return c.JSON(http.StatusOK, SweepListResponse{Items: items})
}

// SignSweep accepts signed transactions and submits the sweep.
func (h *Handlers) SignSweep(c echo.Context) error {
	var req SweepSignRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json")
	}

	s, err := h.Orch.Sign(c.Request().Context(), c.Param("id"), req.Authorization, req.SignedTxs)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, s)
	case errors.Is(err, storage.ErrSweepNotFound):
		return h.err(c, http.StatusNotFound, "sweep not found")
	case errors.Is(err, sweep.ErrQuoteExpired):
		return h.err(c, http.StatusConflict, "quote expired, re-quote the sweep")
	case errors.Is(err, sweep.ErrMissingSignature):
		return h.err(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrPaymentRequired):
		return h.err(c, http.StatusPaymentRequired, "payment authorization required")
	case errors.Is(err, gate.ErrInvalidAuthorization),
		errors.Is(err, gate.ErrAuthorizationExpired),
		errors.Is(err, gate.ErrNonceReplayed):
		return h.err(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, storage.ErrStatusConflict):
		return h.err(c, http.StatusConflict, "sweep was modified concurrently")
	default:
		var invalid *sweep.InvalidTransitionError
		if errors.As(err, &invalid) {
			return h.err(c, http.StatusConflict, invalid.Error())
		}
		h.Log.Error("sign sweep failed", "sweep_id", c.Param("id"), "error", err)
		return h.err(c, http.StatusInternalServerError, "sign failed")
	}
}

// CancelSweep aborts a pre-submission sweep.
func (h *Handlers) CancelSweep(c echo.Context) error {
	s, err := h.Orch.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, s)
	case errors.Is(err, storage.ErrSweepNotFound):
		return h.err(c, http.StatusNotFound, "sweep not found")
	case errors.Is(err, sweep.ErrNotCancellable):
		return h.err(c, http.StatusConflict, "sweep can no longer be cancelled")
	case errors.Is(err, storage.ErrStatusConflict):
		return h.err(c, http.StatusConflict, "sweep was modified concurrently")
	default:
		return h.err(c, http.StatusInternalServerError, "cancel failed")
	}
}
