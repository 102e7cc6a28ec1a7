package quote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
)

// HTTPError carries a non-2xx router response.
type HTTPError struct {
	Adapter    string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("%s http %d", e.Adapter, e.StatusCode)
	}
	return fmt.Sprintf("%s http %d: %s", e.Adapter, e.StatusCode, b)
}

// HTTPAdapter is the shared implementation for router-style quote
// providers. Swap adapters quote within one chain; bridge adapters set
// a destination chain on the request and return cross-chain routes.
type HTTPAdapter struct {
	name     string
	kind     string // swap, bridge
	baseURL  string
	apiKey   string
	chains   map[domain.Chain]struct{}
	quoteTTL time.Duration
	http     *http.Client
	limiter  *rate.Limiter
}

// NewHTTPAdapter creates an adapter from provider config.
func NewHTTPAdapter(cfg config.AdapterConfig, quoteTTL time.Duration) *HTTPAdapter {
	chains := make(map[domain.Chain]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chains[domain.Chain(c)] = struct{}{}
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	return &HTTPAdapter{
		name:     cfg.Name,
		kind:     cfg.Kind,
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		chains:   chains,
		quoteTTL: quoteTTL,
		http:     &http.Client{Timeout: 12 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

// IsBridge reports whether this adapter quotes cross-chain routes.
func (a *HTTPAdapter) IsBridge() bool { return a.kind == "bridge" }

func (a *HTTPAdapter) Available(chain domain.Chain) bool {
	_, ok := a.chains[chain]
	return ok
}

type routerResponse struct {
	Found            bool            `json:"found"`
	BuyToken         string          `json:"buy_token,omitempty"` // set when the route delivers a different asset
	BuyAmount        string          `json:"buy_amount"`
	BuyDecimals      int             `json:"buy_decimals"`
	BuyValueUSD      decimal.Decimal `json:"buy_value_usd"`
	PriceImpactPct   decimal.Decimal `json:"price_impact_pct"`
	EstimatedGasUSD  decimal.Decimal `json:"estimated_gas_usd"`
	Route            string          `json:"route"`
	DestinationChain string          `json:"destination_chain,omitempty"`
	Calldata         string          `json:"calldata,omitempty"` // hex, only when execution data requested
	ExpiresInSec     int64           `json:"expires_in_sec,omitempty"`
}

// GetQuote fetches and normalizes one quote.
func (a *HTTPAdapter) GetQuote(ctx context.Context, req domain.QuoteRequest) (*domain.DexQuote, error) {
	if !a.Available(req.Chain) {
		return nil, nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("chain", string(req.Chain))
	q.Set("sell_token", req.InputToken)
	q.Set("buy_token", req.OutputToken)
	q.Set("sell_amount", req.InputAmount.String())
	q.Set("slippage_pct", req.SlippageTolerancePct.String())
	if req.UserAddress != "" {
		q.Set("taker", req.UserAddress)
	}
	if req.IncludeExecutionData {
		q.Set("include_calldata", "true")
	}
	u := a.baseURL + "/quote?" + q.Encode()

	var out routerResponse
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		httpReq.Header.Set("accept", "application/json")
		if a.apiKey != "" {
			httpReq.Header.Set("x-api-key", a.apiKey)
		}

		res, err := a.http.Do(httpReq)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		body, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return retry.RetryableError(&HTTPError{Adapter: a.name, StatusCode: res.StatusCode, Body: body})
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return &HTTPError{Adapter: a.name, StatusCode: res.StatusCode, Body: body}
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		return nil, err
	}

	// "No route" is a normal answer, not a failure.
	if !out.Found {
		return nil, nil
	}

	outAmount, ok := new(big.Int).SetString(out.BuyAmount, 10)
	if !ok || outAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%s returned invalid buy amount %q", a.name, out.BuyAmount)
	}

	ttl := a.quoteTTL
	if out.ExpiresInSec > 0 {
		ttl = time.Duration(out.ExpiresInSec) * time.Second
	}

	dq := &domain.DexQuote{
		Aggregator:           a.name,
		Chain:                req.Chain,
		InputToken:           req.InputToken,
		OutputToken:          req.OutputToken,
		InputAmount:          new(big.Int).Set(req.InputAmount),
		OutputAmount:         outAmount,
		OutputDecimals:       out.BuyDecimals,
		OutputValueUSD:       out.BuyValueUSD,
		PriceImpactPct:       out.PriceImpactPct,
		EstimatedGasUSD:      out.EstimatedGasUSD,
		SlippageTolerancePct: req.SlippageTolerancePct,
		ExpiresAt:            time.Now().Add(ttl).Unix(),
		RouteDescription:     out.Route,
	}
	if a.IsBridge() && out.DestinationChain != "" {
		dq.DestinationChain = domain.Chain(out.DestinationChain)
	}
	// Some bridge routes terminate in the bridged representation rather
	// than the requested token; the router reports what it delivers.
	if out.BuyToken != "" {
		dq.OutputToken = out.BuyToken
	}
	if out.Calldata != "" {
		data, err := hex.DecodeString(strings.TrimPrefix(out.Calldata, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%s returned invalid calldata: %w", a.name, err)
		}
		dq.Calldata = data
	}
	return dq, nil
}
