package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// TokenRepo implements storage.TokenRepository using PostgreSQL.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo creates a new PostgreSQL token repository.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

type tokenRow struct {
	Wallet       string          `db:"wallet"`
	Chain        string          `db:"chain"`
	TokenAddress string          `db:"token_address"`
	Symbol       string          `db:"symbol"`
	Decimals     int             `db:"decimals"`
	RawBalance   decimal.Decimal `db:"raw_balance"`
	ValueUSD     decimal.Decimal `db:"value_usd"`
	IsDust       bool            `db:"is_dust"`
	ScannedAt    time.Time       `db:"scanned_at"`
}

// ReplaceForChain upserts the latest scan results for one (wallet, chain).
// Stale rows from the previous scan of the same chain are removed first;
// the (wallet, chain, token_address) primary key keeps rows unique.
func (r *TokenRepo) ReplaceForChain(ctx context.Context, wallet string, chain domain.Chain, tokens []domain.WalletToken) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM wallet_tokens WHERE wallet = $1 AND chain = $2`,
		wallet, string(chain)); err != nil {
		return fmt.Errorf("failed to clear previous scan: %w", err)
	}

	for _, t := range tokens {
		raw := decimal.NewFromBigInt(t.RawBalance, 0)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_tokens
				(wallet, chain, token_address, symbol, decimals, raw_balance, value_usd, is_dust, scanned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (wallet, chain, token_address) DO UPDATE SET
				symbol = EXCLUDED.symbol,
				decimals = EXCLUDED.decimals,
				raw_balance = EXCLUDED.raw_balance,
				value_usd = EXCLUDED.value_usd,
				is_dust = EXCLUDED.is_dust,
				scanned_at = NOW()
		`, wallet, string(chain), t.Address, t.Symbol, t.Decimals, raw, t.ValueUSD, t.IsDust)
		if err != nil {
			return fmt.Errorf("failed to upsert token %s: %w", t.Address, err)
		}
	}

	return tx.Commit()
}

// ListByWallet retrieves the latest scanned tokens for a wallet.
func (r *TokenRepo) ListByWallet(ctx context.Context, wallet string) ([]domain.WalletToken, error) {
	var rows []tokenRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT wallet, chain, token_address, symbol, decimals, raw_balance, value_usd, is_dust, scanned_at
		FROM wallet_tokens WHERE wallet = $1
		ORDER BY chain, value_usd DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet tokens: %w", err)
	}

	tokens := make([]domain.WalletToken, 0, len(rows))
	for _, row := range rows {
		raw, ok := new(big.Int).SetString(row.RawBalance.String(), 10)
		if !ok {
			raw = big.NewInt(0)
		}
		tokens = append(tokens, domain.WalletToken{
			Chain:            domain.Chain(row.Chain),
			Address:          row.TokenAddress,
			Symbol:           row.Symbol,
			Decimals:         row.Decimals,
			RawBalance:       raw,
			FormattedBalance: domain.Formatted(raw, row.Decimals),
			ValueUSD:         row.ValueUSD,
			IsDust:           row.IsDust,
		})
	}
	return tokens, nil
}
