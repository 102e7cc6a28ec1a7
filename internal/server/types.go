package server

import (
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/gate"
)

// ErrorResponse is the standardized error shape for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HealthResponse reports per-dependency health.
type HealthResponse struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks,omitempty"`
}

// QuoteRequestBody is the POST /v1/quote payload. InputAmount is the
// raw integer amount in the token's smallest unit.
type QuoteRequestBody struct {
	Chain                string  `json:"chain"`
	InputToken           string  `json:"input_token"`
	OutputToken          string  `json:"output_token"`
	InputAmount          string  `json:"input_amount"`
	SlippageTolerancePct float64 `json:"slippage_tolerance_pct,omitempty"`
	UserAddress          string  `json:"user_address,omitempty"`
}

// SweepCreateRequest is the POST /v1/sweeps payload.
type SweepCreateRequest struct {
	Wallet      string              `json:"wallet"`
	Inputs      []domain.SweepInput `json:"inputs"`
	OutputChain string              `json:"output_chain"`
	OutputToken string              `json:"output_token"`
}

// SweepSignRequest is the POST /v1/sweeps/:id/sign payload. SignedTxs
// maps each leg's chain to its signed transaction bytes (base64 in
// JSON).
type SweepSignRequest struct {
	Authorization *gate.Authorization     `json:"authorization,omitempty"`
	SignedTxs     map[domain.Chain][]byte `json:"signed_txs"`
}

// SweepListResponse wraps a wallet's sweep history.
type SweepListResponse struct {
	Items []*domain.Sweep `json:"items"`
}
