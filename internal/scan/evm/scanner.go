package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/scan"
)

// Scanner scans account-model (EVM family) chains through a balance
// indexing provider. Holdings come back paginated; the scanner pages
// until a short page is returned.
type Scanner struct {
	chain       domain.Chain
	baseURL     string
	nativeToken string
	pageSize    int
	http        *http.Client
	valuer      *scan.Valuer
	log         *slog.Logger
}

// NewScanner creates an EVM-family scanner from chain config.
func NewScanner(cfg config.ChainConfig, valuer *scan.Valuer, log *slog.Logger) *Scanner {
	return &Scanner{
		chain:       cfg.Chain,
		baseURL:     strings.TrimRight(cfg.IndexerURL, "/"),
		nativeToken: cfg.NativeToken,
		pageSize:    cfg.PageSize,
		http:        &http.Client{Timeout: 15 * time.Second},
		valuer:      valuer,
		log:         log,
	}
}

func (s *Scanner) Chain() domain.Chain { return s.chain }

type holdingsPage struct {
	NativeBalance string `json:"native_balance"`
	Items         []struct {
		ContractAddress string `json:"contract_address"`
		Symbol          string `json:"symbol"`
		Decimals        int    `json:"decimals"`
		Balance         string `json:"balance"`
		TokenType       string `json:"token_type"` // erc20, erc721, erc1155
	} `json:"items"`
}

// Scan fetches all fungible holdings for a wallet.
func (s *Scanner) Scan(ctx context.Context, walletAddress string) (*domain.ChainBalance, error) {
	var tokens []domain.WalletToken
	native := decimal.Zero

	for page := 0; ; page++ {
		p, err := s.fetchPage(ctx, walletAddress, page)
		if err != nil {
			return nil, fmt.Errorf("%s holdings page %d: %w", s.chain, page, err)
		}

		if page == 0 && p.NativeBalance != "" {
			if raw, ok := new(big.Int).SetString(p.NativeBalance, 10); ok {
				native = domain.Formatted(raw, 18)
			}
		}

		for _, item := range p.Items {
			// Non-fungible positions are out of scope for a sweep.
			if item.TokenType == "erc721" || item.TokenType == "erc1155" {
				continue
			}
			raw, ok := new(big.Int).SetString(item.Balance, 10)
			if !ok || raw.Sign() <= 0 {
				continue
			}
			tokens = append(tokens, domain.WalletToken{
				Chain:            s.chain,
				Address:          strings.ToLower(item.ContractAddress),
				Symbol:           item.Symbol,
				Decimals:         item.Decimals,
				RawBalance:       raw,
				FormattedBalance: domain.Formatted(raw, item.Decimals),
			})
		}

		// A short page means the indexer has nothing further.
		if len(p.Items) < s.pageSize {
			break
		}
	}

	return s.valuer.Value(ctx, s.chain, tokens, native, s.nativeToken), nil
}

func (s *Scanner) fetchPage(ctx context.Context, walletAddress string, page int) (*holdingsPage, error) {
	u := fmt.Sprintf("%s/v1/address/%s/holdings?page=%d&page_size=%d",
		s.baseURL, walletAddress, page, s.pageSize)

	var out holdingsPage
	backoff := retry.WithMaxRetries(2, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")

		res, err := s.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		body, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("indexer http %d", res.StatusCode))
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("indexer http %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
