package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
)

// Observation is one upstream source's raw answer for a token.
type Observation struct {
	Source       string
	PriceUSD     decimal.Decimal
	LiquidityUSD decimal.Decimal
	Volume24hUSD decimal.Decimal
	ObservedAt   time.Time
}

// Source is a single upstream price provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, token string, chain domain.Chain) (*Observation, error)
}

// HTTPError carries a non-2xx upstream response.
type HTTPError struct {
	Source     string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("%s http %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("%s http %d: %s", e.Source, e.StatusCode, b)
}

// HTTPSource fetches prices from a JSON endpoint shaped like the common
// screener APIs: GET {base}/price/{chain}/{token} returning price,
// liquidity and 24h volume in USD.
type HTTPSource struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource creates a price source from config.
func NewHTTPSource(cfg config.SourceConfig) *HTTPSource {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &HTTPSource{
		name:    cfg.Name,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (s *HTTPSource) Name() string { return s.name }

type priceResponse struct {
	PriceUSD     decimal.Decimal `json:"price_usd"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
}

// Fetch queries the source once, retrying transient upstream errors
// with a short fibonacci backoff.
func (s *HTTPSource) Fetch(ctx context.Context, token string, chain domain.Chain) (*Observation, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/price/%s/%s", s.baseURL, chain, token)

	var out priceResponse
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")
		if s.apiKey != "" {
			req.Header.Set("x-api-key", s.apiKey)
		}

		res, err := s.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		body, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return retry.RetryableError(&HTTPError{Source: s.name, StatusCode: res.StatusCode, Body: body})
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return &HTTPError{Source: s.name, StatusCode: res.StatusCode, Body: body}
		}

		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("failed to decode %s price response: %w", s.name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Observation{
		Source:       s.name,
		PriceUSD:     out.PriceUSD,
		LiquidityUSD: out.LiquidityUSD,
		Volume24hUSD: out.Volume24hUSD,
		ObservedAt:   time.Now(),
	}, nil
}
