package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// Scanner is the per-chain balance scanning contract. One
// implementation exists per chain family; new chains are added by
// implementing this interface, never by branching on chain id in
// shared logic.
type Scanner interface {
	// Chain returns the chain this scanner serves
	Chain() domain.Chain

	// Scan fetches all fungible holdings for a wallet on this chain
	Scan(ctx context.Context, walletAddress string) (*domain.ChainBalance, error)
}

// Pricer is the slice of the price oracle the scanners need.
type Pricer interface {
	ValidatedPrice(ctx context.Context, token string, chain domain.Chain) (*domain.ValidatedPrice, error)
}

// Valuer turns raw holdings into a priced ChainBalance. Tokens with no
// resolvable price get valueUsd = 0 and are excluded from dust
// computation, never silently counted as dust.
type Valuer struct {
	pricer           Pricer
	dustThresholdUSD decimal.Decimal
	log              *slog.Logger
}

// NewValuer creates a valuer with the configured dust threshold.
func NewValuer(pricer Pricer, dustThresholdUSD float64, log *slog.Logger) *Valuer {
	return &Valuer{
		pricer:           pricer,
		dustThresholdUSD: decimal.NewFromFloat(dustThresholdUSD),
		log:              log,
	}
}

// Value prices the holdings and assembles the ChainBalance aggregate.
func (v *Valuer) Value(ctx context.Context, chain domain.Chain, holdings []domain.WalletToken, native decimal.Decimal, nativeToken string) *domain.ChainBalance {
	cb := &domain.ChainBalance{
		Chain:         chain,
		NativeSymbol:  domain.NativeSymbols[chain],
		NativeBalance: native,
		ScannedAt:     time.Now(),
	}

	if native.IsPositive() && nativeToken != "" {
		if p, err := v.pricer.ValidatedPrice(ctx, nativeToken, chain); err == nil {
			cb.NativeValueUSD = native.Mul(p.PriceUSD)
		} else {
			v.log.Debug("native price unresolved", "chain", chain, "error", err)
		}
	}
	cb.TotalValueUSD = cb.NativeValueUSD

	for _, t := range holdings {
		p, err := v.pricer.ValidatedPrice(ctx, t.Address, chain)
		if err != nil {
			// Unpriced: keep the token visible with zero value.
			t.ValueUSD = decimal.Zero
			t.IsDust = false
		} else {
			t.ValueUSD = t.FormattedBalance.Mul(p.PriceUSD)
			t.IsDust = t.ValueUSD.IsPositive() && t.ValueUSD.LessThan(v.dustThresholdUSD)
		}

		cb.Tokens = append(cb.Tokens, t)
		cb.TotalValueUSD = cb.TotalValueUSD.Add(t.ValueUSD)
		if t.IsDust {
			cb.DustValueUSD = cb.DustValueUSD.Add(t.ValueUSD)
			cb.DustTokenCount++
		}
	}

	return cb
}
