package price

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/metrics"
)

// ErrPriceUnavailable means every configured source errored or returned
// a non-positive price. Callers must treat it as a valid negative
// outcome, not a system failure.
var ErrPriceUnavailable = errors.New("price unavailable from all sources")

// Oracle resolves trust-scored prices from multiple upstream sources.
type Oracle struct {
	cfg     config.OracleConfig
	sources []Source
	cache   Cache
	log     *slog.Logger
}

// NewOracle creates an oracle over the given sources.
func NewOracle(cfg config.OracleConfig, sources []Source, cache Cache, log *slog.Logger) *Oracle {
	return &Oracle{cfg: cfg, sources: sources, cache: cache, log: log}
}

// ValidatedPrice returns a trust-scored price for (token, chain). The
// cache is consulted before any network call; stale entries are
// refreshed lazily on read, never proactively.
func (o *Oracle) ValidatedPrice(ctx context.Context, token string, chain domain.Chain) (*domain.ValidatedPrice, error) {
	if o.cache != nil {
		cached, found, err := o.cache.Get(ctx, token, chain)
		if err != nil {
			o.log.Warn("price cache read failed", "token", token, "chain", chain, "error", err)
		}
		if found {
			metrics.PriceCacheHits.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.PriceCacheHits.WithLabelValues("miss").Inc()
	}

	obs := o.collect(ctx, token, chain)
	if len(obs) == 0 {
		return nil, ErrPriceUnavailable
	}

	resolved := o.score(token, chain, obs)

	if o.cache != nil {
		if err := o.cache.Set(ctx, resolved, o.cfg.CacheTTL); err != nil {
			o.log.Warn("price cache write failed", "token", token, "chain", chain, "error", err)
		}
	}
	return resolved, nil
}

// collect fans out to all sources concurrently with a per-source
// timeout and keeps only positive-price answers.
func (o *Oracle) collect(ctx context.Context, token string, chain domain.Chain) []*Observation {
	var mu sync.Mutex
	var obs []*Observation

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range o.sources {
		src := src
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, o.cfg.SourceTimeout)
			defer cancel()

			ob, err := src.Fetch(sctx, token, chain)
			if err != nil {
				metrics.PriceLookupsTotal.WithLabelValues(src.Name(), "error").Inc()
				o.log.Debug("price source failed", "source", src.Name(), "token", token, "error", err)
				return nil // a failing source is discarded, never fatal
			}
			if !ob.PriceUSD.IsPositive() {
				metrics.PriceLookupsTotal.WithLabelValues(src.Name(), "invalid").Inc()
				return nil
			}
			metrics.PriceLookupsTotal.WithLabelValues(src.Name(), "ok").Inc()

			mu.Lock()
			obs = append(obs, ob)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return obs
}

// score derives the confidence tier and resolved price. Confidence is a
// pure function of source agreement and liquidity depth.
func (o *Oracle) score(token string, chain domain.Chain, obs []*Observation) *domain.ValidatedPrice {
	prices := make([]decimal.Decimal, len(obs))
	sources := make([]domain.SourceObservation, len(obs))
	liquidity := decimal.Zero
	volume := decimal.Zero
	for i, ob := range obs {
		prices[i] = ob.PriceUSD
		sources[i] = domain.SourceObservation{
			Source:     ob.Source,
			PriceUSD:   ob.PriceUSD,
			ObservedAt: ob.ObservedAt,
		}
		if ob.LiquidityUSD.GreaterThan(liquidity) {
			liquidity = ob.LiquidityUSD
		}
		if ob.Volume24hUSD.GreaterThan(volume) {
			volume = ob.Volume24hUSD
		}
	}

	minLiquidity := decimal.NewFromFloat(o.cfg.MinLiquidityUSD)
	highLiquidity := decimal.NewFromFloat(o.cfg.HighLiquidityUSD)
	highVolume := decimal.NewFromFloat(o.cfg.HighVolume24hUSD)

	var confidence domain.Confidence
	if len(obs) == 1 {
		// A single source is never high, whatever it claims.
		confidence = domain.ConfidenceLow
		if liquidity.LessThan(minLiquidity) {
			confidence = domain.ConfidenceUntrusted
		}
	} else {
		dev := maxPairwiseDeviationPct(prices)
		switch {
		case dev.LessThanOrEqual(decimal.NewFromFloat(o.cfg.HighMaxDeviationPct)) &&
			liquidity.GreaterThanOrEqual(highLiquidity) &&
			volume.GreaterThanOrEqual(highVolume):
			confidence = domain.ConfidenceHigh
		case dev.LessThanOrEqual(decimal.NewFromFloat(o.cfg.MediumMaxDeviationPct)):
			confidence = domain.ConfidenceMedium
		default:
			confidence = domain.ConfidenceLow
		}
		if liquidity.LessThan(minLiquidity) {
			confidence = domain.ConfidenceUntrusted
		}
	}

	return &domain.ValidatedPrice{
		Token:        token,
		Chain:        chain,
		PriceUSD:     weightedMedian(prices),
		Confidence:   confidence,
		Sources:      sources,
		LiquidityUSD: liquidity,
		Volume24hUSD: volume,
		UpdatedAt:    time.Now(),
	}
}
