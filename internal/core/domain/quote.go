package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteRequest describes one (chain, pair, amount) quote lookup.
type QuoteRequest struct {
	Chain                Chain           `json:"chain"`
	InputToken           string          `json:"input_token"`
	OutputToken          string          `json:"output_token"`
	InputAmount          *big.Int        `json:"input_amount"`
	SlippageTolerancePct decimal.Decimal `json:"slippage_tolerance_pct"`
	UserAddress          string          `json:"user_address"`
	IncludeExecutionData bool            `json:"include_execution_data"`
}

// DexQuote is the normalized quote shape shared by swap and bridge
// adapters. ExpiresAt is always in the future at creation time; an
// expired quote must be rejected, never executed.
type DexQuote struct {
	Aggregator           string          `json:"aggregator"`
	Chain                Chain           `json:"chain"`
	DestinationChain     Chain           `json:"destination_chain,omitempty"` // set for bridge legs
	InputToken           string          `json:"input_token"`
	OutputToken          string          `json:"output_token"`
	InputAmount          *big.Int        `json:"input_amount"`
	OutputAmount         *big.Int        `json:"output_amount"`
	OutputDecimals       int             `json:"output_decimals"`
	OutputValueUSD       decimal.Decimal `json:"output_value_usd"`
	PriceImpactPct       decimal.Decimal `json:"price_impact_pct"`
	EstimatedGasUSD      decimal.Decimal `json:"estimated_gas_usd"`
	SlippageTolerancePct decimal.Decimal `json:"slippage_tolerance_pct"`
	ExpiresAt            int64           `json:"expires_at"` // epoch seconds
	RouteDescription     string          `json:"route_description"`
	Calldata             []byte          `json:"calldata,omitempty"`

	// Display decoration, best effort. Missing metadata never blocks selection.
	InputSymbol  string `json:"input_symbol,omitempty"`
	OutputSymbol string `json:"output_symbol,omitempty"`
}

// Expired reports whether the quote's deadline has passed.
func (q *DexQuote) Expired(now time.Time) bool {
	return now.Unix() >= q.ExpiresAt
}

// Executable reports whether the quote carries execution calldata.
// Quotes without it can be previewed but never executed.
func (q *DexQuote) Executable() bool {
	return len(q.Calldata) > 0
}

// NetOutputUSD is the selection objective: output value net of gas.
func (q *DexQuote) NetOutputUSD() decimal.Decimal {
	return q.OutputValueUSD.Sub(q.EstimatedGasUSD)
}

// IsBridge reports whether the quote crosses chains.
func (q *DexQuote) IsBridge() bool {
	return q.DestinationChain != "" && q.DestinationChain != q.Chain
}
