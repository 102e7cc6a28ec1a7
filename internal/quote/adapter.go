package quote

import (
	"context"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// Adapter normalizes one external swap or bridge provider to the
// common DexQuote shape.
//
// GetQuote returns (nil, nil) when the adapter cannot serve the
// pair/chain; that is a valid negative outcome, not an error. An error
// means a transient failure of an otherwise-capable adapter and is
// retried by the caller's policy, never treated as "no route".
type Adapter interface {
	Name() string

	// Available reports whether the adapter can serve the chain at all
	Available(chain domain.Chain) bool

	// GetQuote fetches a quote, or nil when no route exists
	GetQuote(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error)
}
