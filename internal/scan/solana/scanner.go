package solana

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

// Scanner scans token-account model chains (Solana family), where each
// SPL holding lives in its own token account keyed by mint. Pagination
// is cursor based.
type Scanner struct {
	chain       domain.Chain
	baseURL     string
	nativeToken string
	pageSize    int
	http        *http.Client
	valuer      *scan.Valuer
	log         *slog.Logger
}

// NewScanner creates a token-account family scanner from chain config.
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

type tokenAccountsPage struct {
	NativeLamports string `json:"native_lamports"`
	NextCursor     string `json:"next_cursor"`
	Accounts       []struct {
		Mint     string `json:"mint"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
		Amount   string `json:"amount"`
	} `json:"accounts"`
}

// Scan fetches all fungible token accounts owned by the wallet.
func (s *Scanner) Scan(ctx context.Context, walletAddress string) (*domain.ChainBalance, error) {
	var tokens []domain.WalletToken
	native := decimal.Zero
	cursor := ""

	for {
		p, err := s.fetchPage(ctx, walletAddress, cursor)
		if err != nil {
			return nil, fmt.Errorf("%s token accounts: %w", s.chain, err)
		}

		if cursor == "" && p.NativeLamports != "" {
			if raw, ok := new(big.Int).SetString(p.NativeLamports, 10); ok {
				native = domain.Formatted(raw, 9)
			}
		}

		for _, acc := range p.Accounts {
			raw, ok := new(big.Int).SetString(acc.Amount, 10)
			if !ok || raw.Sign() <= 0 {
				continue
			}
			// NFTs on token-account chains show up as supply-1 zero-decimal mints.
			if acc.Decimals == 0 && raw.Cmp(big.NewInt(1)) == 0 {
				continue
			}
			tokens = append(tokens, domain.WalletToken{
				Chain:            s.chain,
				Address:          acc.Mint,
				Symbol:           acc.Symbol,
				Decimals:         acc.Decimals,
				RawBalance:       raw,
				FormattedBalance: domain.Formatted(raw, acc.Decimals),
			})
		}

		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}

	return s.valuer.Value(ctx, s.chain, tokens, native, s.nativeToken), nil
}

func (s *Scanner) fetchPage(ctx context.Context, walletAddress, cursor string) (*tokenAccountsPage, error) {
	u := fmt.Sprintf("%s/v1/owner/%s/token-accounts?limit=%d", s.baseURL, walletAddress, s.pageSize)
	if cursor != "" {
		u += "&cursor=" + cursor
	}

	var out tokenAccountsPage
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
