package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// WalletToken is a single token balance observed during a scan.
// Produced fresh on every scan and never mutated; the next scan of the
// same (wallet, chain) supersedes it.
type WalletToken struct {
	Chain            Chain           `json:"chain"`
	Address          string          `json:"address"` // contract address or mint
	Symbol           string          `json:"symbol"`
	Decimals         int             `json:"decimals"`
	RawBalance       *big.Int        `json:"raw_balance"`
	FormattedBalance decimal.Decimal `json:"formatted_balance"`
	ValueUSD         decimal.Decimal `json:"value_usd"`
	IsDust           bool            `json:"is_dust"`
}

// Formatted converts a raw integer balance to decimal units.
func Formatted(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// ChainBalance is the result of scanning one wallet on one chain.
type ChainBalance struct {
	Chain          Chain           `json:"chain"`
	Tokens         []WalletToken   `json:"tokens"`
	NativeSymbol   string          `json:"native_symbol,omitempty"`
	NativeBalance  decimal.Decimal `json:"native_balance"`
	NativeValueUSD decimal.Decimal `json:"native_value_usd"`
	TotalValueUSD  decimal.Decimal `json:"total_value_usd"`
	DustValueUSD   decimal.Decimal `json:"dust_value_usd"`
	DustTokenCount int             `json:"dust_token_count"`
	ScannedAt      time.Time       `json:"scanned_at"`
}

// ChainScanError records a per-chain scan failure inside an otherwise
// successful portfolio scan.
type ChainScanError struct {
	Chain Chain  `json:"chain"`
	Error string `json:"error"`
}

// PortfolioScan aggregates per-chain scans for one wallet. A failing
// chain appears in Errors; it never fails the whole scan.
type PortfolioScan struct {
	Wallet        string           `json:"wallet"`
	Chains        []ChainBalance   `json:"chains"`
	Errors        []ChainScanError `json:"errors,omitempty"`
	TotalValueUSD decimal.Decimal  `json:"total_value_usd"`
	DustValueUSD  decimal.Decimal  `json:"dust_value_usd"`
	ScannedAt     time.Time        `json:"scanned_at"`
}
