package quote

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/metrics"
)

// ErrNoRoute is returned when no adapter can produce a quote for the
// requested pair.
var ErrNoRoute = errors.New("no route found for pair")

// Selector fans a quote request out to every available adapter and
// picks the winner by net output (output value minus estimated gas).
type Selector struct {
	adapters []Adapter
	meta     *TokenMeta
	log      *slog.Logger
}

// NewSelector creates a quote selector. meta may be nil; symbol
// decoration is then skipped.
func NewSelector(adapters []Adapter, meta *TokenMeta, log *slog.Logger) *Selector {
	return &Selector{adapters: adapters, meta: meta, log: log}
}

// Best queries all adapters serving the request's chain concurrently
// and returns the quote with the highest net output. Ties break on the
// lower price impact. Adapter errors and no-route answers only count
// against the result when every adapter produced one.
//
// When req.IncludeExecutionData is set, the winning adapter is asked a
// second time for calldata so losing adapters never pay the firm-quote
// cost.
func (s *Selector) Best(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error) {
	preview := req
	preview.IncludeExecutionData = false

	candidates, err := s.fanOut(ctx, preview)
	if err != nil {
		return nil, err
	}

	winner := pickBest(candidates)
	if winner == nil {
		return nil, ErrNoRoute
	}

	if req.IncludeExecutionData {
		firm, err := s.requote(ctx, winner.Aggregator, req)
		if err != nil {
			return nil, err
		}
		winner = firm
	}

	s.decorate(ctx, winner)
	metrics.QuotesTotal.WithLabelValues(winner.Aggregator, "selected").Inc()
	return winner, nil
}

func (s *Selector) fanOut(ctx context.Context, req domain.QuoteRequest) ([]*domain.DexQuote, error) {
	available := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		if a.Available(req.Chain) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoRoute
	}

	var (
		mu         sync.Mutex
		candidates []*domain.DexQuote
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range available {
		a := a
		g.Go(func() error {
			q, err := a.GetQuote(gctx, req)
			if err != nil {
				// One noisy adapter must not sink the aggregate.
				s.log.Warn("adapter quote failed", "adapter", a.Name(), "chain", req.Chain, "error", err)
				return nil
			}
			if q == nil {
				return nil
			}
			mu.Lock()
			candidates = append(candidates, q)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// requote asks one named adapter again, with execution data.
func (s *Selector) requote(ctx context.Context, name string, req domain.QuoteRequest) (*domain.DexQuote, error) {
	for _, a := range s.adapters {
		if a.Name() != name {
			continue
		}
		q, err := a.GetQuote(ctx, req)
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, ErrNoRoute
		}
		return q, nil
	}
	return nil, ErrNoRoute
}

func (s *Selector) decorate(ctx context.Context, q *domain.DexQuote) {
	if s.meta == nil {
		return
	}
	if sym, ok := s.meta.Symbol(ctx, q.Chain, q.InputToken); ok {
		q.InputSymbol = sym
	}
	out := q.Chain
	if q.IsBridge() {
		out = q.DestinationChain
	}
	if sym, ok := s.meta.Symbol(ctx, out, q.OutputToken); ok {
		q.OutputSymbol = sym
	}
}

// pickBest selects by net output, then by lower price impact.
func pickBest(candidates []*domain.DexQuote) *domain.DexQuote {
	var best *domain.DexQuote
	var bestNet decimal.Decimal
	for _, q := range candidates {
		net := q.NetOutputUSD()
		switch {
		case best == nil, net.GreaterThan(bestNet):
			best, bestNet = q, net
		case net.Equal(bestNet) && q.PriceImpactPct.LessThan(best.PriceImpactPct):
			best = q
		}
	}
	return best
}
