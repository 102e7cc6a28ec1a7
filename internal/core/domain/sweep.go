package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type SweepStatus string

const (
	SweepStatusPending   SweepStatus = "pending"
	SweepStatusQuoting   SweepStatus = "quoting"
	SweepStatusSigning   SweepStatus = "signing"
	SweepStatusSubmitted SweepStatus = "submitted"
	SweepStatusConfirmed SweepStatus = "confirmed"
	SweepStatusFailed    SweepStatus = "failed"
	SweepStatusCancelled SweepStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SweepStatus) Terminal() bool {
	return s == SweepStatusConfirmed || s == SweepStatusFailed || s == SweepStatusCancelled
}

type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted"
	LegStatusConfirmed LegStatus = "confirmed"
	LegStatusFailed    LegStatus = "failed"
)

// SweepInput is one dust balance selected for consolidation.
type SweepInput struct {
	Chain    Chain           `json:"chain"`
	Token    string          `json:"token"`
	Symbol   string          `json:"symbol"`
	Amount   *big.Int        `json:"amount"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// SweepLeg is one chain-scoped sub-operation (swap or bridge transfer).
// A failed leg never rolls back a settled sibling; per-leg detail is
// retained so partial success stays visible.
type SweepLeg struct {
	Chain     Chain     `json:"chain"`
	Quote     *DexQuote `json:"quote"`
	Status    LegStatus `json:"status"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	IsBridge  bool      `json:"is_bridge"`
	DependsOn []Chain   `json:"depends_on,omitempty"` // bridge legs that must confirm first
	SignedTx  []byte    `json:"signed_tx,omitempty"`  // attached at signing, consumed at submission
}

// Sweep is the aggregate root of one consolidation. It is created on
// quote acceptance, mutated only through orchestrator transitions, and
// never deleted: terminal sweeps are retained for audit.
type Sweep struct {
	ID          string          `json:"id"`
	Wallet      string          `json:"wallet"`
	Status      SweepStatus     `json:"status"`
	Inputs      []SweepInput    `json:"inputs"`
	Legs        []SweepLeg      `json:"legs"`
	OutputChain Chain           `json:"output_chain"`
	OutputToken string          `json:"output_token"`
	OutputAmount *big.Int       `json:"output_amount,omitempty"`
	FeeUSD      decimal.Decimal `json:"fee_usd"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Leg returns the leg for a chain, or nil.
func (s *Sweep) Leg(chain Chain) *SweepLeg {
	for i := range s.Legs {
		if s.Legs[i].Chain == chain {
			return &s.Legs[i]
		}
	}
	return nil
}

// QuoteExpiry returns the earliest leg quote deadline (epoch seconds).
func (s *Sweep) QuoteExpiry() int64 {
	var min int64
	for i := range s.Legs {
		if q := s.Legs[i].Quote; q != nil {
			if min == 0 || q.ExpiresAt < min {
				min = q.ExpiresAt
			}
		}
	}
	return min
}
