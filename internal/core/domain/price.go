package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Confidence string

const (
	ConfidenceHigh      Confidence = "high"
	ConfidenceMedium    Confidence = "medium"
	ConfidenceLow       Confidence = "low"
	ConfidenceUntrusted Confidence = "untrusted"
)

// SourceObservation is one upstream source's view of a token price.
type SourceObservation struct {
	Source     string          `json:"source"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ValidatedPrice is a trust-scored price. Confidence is a pure function
// of source agreement and liquidity depth; a single-source price or one
// below the liquidity floor is never high.
type ValidatedPrice struct {
	Token        string              `json:"token"`
	Chain        Chain               `json:"chain"`
	PriceUSD     decimal.Decimal     `json:"price_usd"`
	Confidence   Confidence          `json:"confidence"`
	Sources      []SourceObservation `json:"sources"`
	LiquidityUSD decimal.Decimal     `json:"liquidity_usd"`
	Volume24hUSD decimal.Decimal     `json:"volume_24h_usd"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
