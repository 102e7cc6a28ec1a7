package scan

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/metrics"
)

// Multi fans a wallet scan out across every configured chain. A failing
// chain becomes an error entry on the aggregate result; it never fails
// the scan as a whole.
type Multi struct {
	scanners []Scanner
	log      *slog.Logger
}

// NewMulti creates a multi-chain scanner.
func NewMulti(scanners []Scanner, log *slog.Logger) *Multi {
	return &Multi{scanners: scanners, log: log}
}

// Scan runs all per-chain scans concurrently and aggregates the results.
func (m *Multi) Scan(ctx context.Context, walletAddress string) (*domain.PortfolioScan, error) {
	out := &domain.PortfolioScan{
		Wallet:    walletAddress,
		ScannedAt: time.Now(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, sc := range m.scanners {
		sc := sc
		g.Go(func() error {
			start := time.Now()
			cb, err := sc.Scan(gctx, walletAddress)
			metrics.ScanDuration.WithLabelValues(string(sc.Chain())).Observe(time.Since(start).Seconds())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.ScansTotal.WithLabelValues(string(sc.Chain()), "error").Inc()
				m.log.Warn("chain scan failed", "chain", sc.Chain(), "wallet", walletAddress, "error", err)
				out.Errors = append(out.Errors, domain.ChainScanError{
					Chain: sc.Chain(),
					Error: err.Error(),
				})
				return nil // partial data beats no data
			}
			metrics.ScansTotal.WithLabelValues(string(sc.Chain()), "ok").Inc()
			out.Chains = append(out.Chains, *cb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Chains, func(i, j int) bool { return out.Chains[i].Chain < out.Chains[j].Chain })
	for _, cb := range out.Chains {
		out.TotalValueUSD = out.TotalValueUSD.Add(cb.TotalValueUSD)
		out.DustValueUSD = out.DustValueUSD.Add(cb.DustValueUSD)
	}
	return out, nil
}
