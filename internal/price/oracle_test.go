package price

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
)

type stubSource struct {
	name      string
	price     float64
	liquidity float64
	volume    float64
	err       error
	calls     int
	mu        sync.Mutex
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, token string, chain domain.Chain) (*Observation, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &Observation{
		Source:       s.name,
		PriceUSD:     decimal.NewFromFloat(s.price),
		LiquidityUSD: decimal.NewFromFloat(s.liquidity),
		Volume24hUSD: decimal.NewFromFloat(s.volume),
		ObservedAt:   time.Now(),
	}, nil
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*domain.ValidatedPrice
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*domain.ValidatedPrice)}
}

func (c *memoryCache) Get(ctx context.Context, token string, chain domain.Chain) (*domain.ValidatedPrice, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[cacheKey(token, chain)]
	return p, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, p *domain.ValidatedPrice, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(p.Token, p.Chain)] = p
	return nil
}

func testOracleConfig() config.OracleConfig {
	return config.OracleConfig{
		SourceTimeout:         time.Second,
		CacheTTL:              30 * time.Second,
		HighMaxDeviationPct:   1.5,
		MediumMaxDeviationPct: 5.0,
		MinLiquidityUSD:       10_000,
		HighLiquidityUSD:      50_000,
		HighVolume24hUSD:      10_000,
	}
}

func newTestOracle(cache Cache, sources ...Source) *Oracle {
	return NewOracle(testOracleConfig(), sources, cache, slog.Default())
}

func TestOracle_HighConfidence(t *testing.T) {
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 1.00, liquidity: 100_000, volume: 50_000},
		&stubSource{name: "b", price: 1.01, liquidity: 100_000, volume: 50_000},
	)

	p, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidenceHigh, p.Confidence)
	assert.Len(t, p.Sources, 2)
}

func TestOracle_TamperedSourceDropsTier(t *testing.T) {
	// Same as the high-confidence setup, but one source pushed far
	// beyond the deviation bound.
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 1.00, liquidity: 100_000, volume: 50_000},
		&stubSource{name: "b", price: 1.04, liquidity: 100_000, volume: 50_000},
	)

	p, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	assert.NotEqual(t, domain.ConfidenceHigh, p.Confidence)
	assert.Equal(t, domain.ConfidenceMedium, p.Confidence)
}

func TestOracle_SingleSourceNeverHigh(t *testing.T) {
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 1.00, liquidity: 1_000_000, volume: 500_000},
	)

	p, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidenceLow, p.Confidence)
}

func TestOracle_SingleSourceLowLiquidityUntrusted(t *testing.T) {
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 0.002, liquidity: 500, volume: 100},
	)

	p, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidenceUntrusted, p.Confidence)
}

func TestOracle_AllSourcesFail(t *testing.T) {
	o := newTestOracle(nil,
		&stubSource{name: "a", err: errors.New("timeout")},
		&stubSource{name: "b", err: errors.New("rate limited")},
	)

	_, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestOracle_NonPositivePricesDiscarded(t *testing.T) {
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 0},
		&stubSource{name: "b", price: -1},
	)

	_, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestOracle_CacheConsultedBeforeNetwork(t *testing.T) {
	src := &stubSource{name: "a", price: 2.0, liquidity: 100_000, volume: 50_000}
	cache := newMemoryCache()
	o := newTestOracle(cache, src)

	_, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	require.Equal(t, 1, src.calls)

	// Second resolve hits the cache, not the source.
	_, err = o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestOracle_OutlierResistance(t *testing.T) {
	// Three honest sources, one manipulated 50x. The weighted median
	// must stay with the cluster.
	o := newTestOracle(nil,
		&stubSource{name: "a", price: 1.00, liquidity: 100_000, volume: 50_000},
		&stubSource{name: "b", price: 1.01, liquidity: 100_000, volume: 50_000},
		&stubSource{name: "c", price: 0.99, liquidity: 100_000, volume: 50_000},
		&stubSource{name: "evil", price: 50.0, liquidity: 100_000, volume: 50_000},
	)

	p, err := o.ValidatedPrice(context.Background(), "0xtoken", domain.ChainEthereum)
	require.NoError(t, err)
	f, _ := p.PriceUSD.Float64()
	assert.InDelta(t, 1.0, f, 0.02)
	// And the disagreement must be visible in the tier.
	assert.NotEqual(t, domain.ConfidenceHigh, p.Confidence)
}
