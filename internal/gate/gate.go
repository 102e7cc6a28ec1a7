package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustfold/sweeper/internal/core/config"
)

var (
	// ErrPaymentRequired is returned when no authorization accompanies a
	// monetized operation.
	ErrPaymentRequired = errors.New("payment authorization required")

	// ErrInvalidAuthorization is returned when the verifier rejects the
	// signature.
	ErrInvalidAuthorization = errors.New("invalid payment authorization")

	// ErrAuthorizationExpired is returned outside the validity window.
	ErrAuthorizationExpired = errors.New("payment authorization outside validity window")

	// ErrNonceReplayed is returned when a nonce has been seen before.
	ErrNonceReplayed = errors.New("payment nonce already used")
)

// Authorization is a signed payment permit presented with a monetized
// operation. ValidAfter and ValidBefore are epoch seconds.
type Authorization struct {
	Payer       string `json:"payer"`
	Nonce       string `json:"nonce"`
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"`
	Signature   string `json:"signature"`
}

// Verifier checks the authorization's signature. The cryptography is
// external to the engine; only the boolean decision crosses in.
type Verifier interface {
	Verify(ctx context.Context, auth Authorization) (bool, error)
}

// NonceStore atomically claims nonce keys. Satisfied by the redis
// client; tests use an in-memory map.
type NonceStore interface {
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
}

// Gate admits monetized operations. It checks the validity window,
// burns the nonce against replay and delegates signature verification.
type Gate struct {
	cfg      config.GateConfig
	verifier Verifier
	nonces   NonceStore
	log      *slog.Logger
	now      func() time.Time
}

// New creates a payment gate. With cfg.Enabled false, Admit always
// passes; useful for local runs without a payment collaborator.
func New(cfg config.GateConfig, verifier Verifier, nonces NonceStore, log *slog.Logger) *Gate {
	return &Gate{cfg: cfg, verifier: verifier, nonces: nonces, log: log, now: time.Now}
}

// Admit validates the authorization and burns its nonce. The order
// matters: the nonce is only consumed after the window and signature
// checks pass, so a rejected permit stays usable once fixed.
func (g *Gate) Admit(ctx context.Context, auth *Authorization) error {
	if !g.cfg.Enabled {
		return nil
	}
	if auth == nil {
		return ErrPaymentRequired
	}
	if auth.Nonce == "" || auth.Signature == "" {
		return ErrInvalidAuthorization
	}

	now := g.now().Unix()
	if now < auth.ValidAfter || now >= auth.ValidBefore {
		return ErrAuthorizationExpired
	}

	ok, err := g.verifier.Verify(ctx, *auth)
	if err != nil {
		return fmt.Errorf("verify authorization: %w", err)
	}
	if !ok {
		g.log.Warn("payment authorization rejected", "payer", auth.Payer)
		return ErrInvalidAuthorization
	}

	ttl := g.cfg.NonceTTL
	if remaining := time.Duration(auth.ValidBefore-now) * time.Second; remaining > ttl {
		// Keep the burn record at least as long as the permit is valid.
		ttl = remaining
	}
	claimed, err := g.nonces.SetNX(ctx, "gate:nonce:"+auth.Nonce, auth.Payer, ttl)
	if err != nil {
		return fmt.Errorf("burn nonce: %w", err)
	}
	if !claimed {
		g.log.Warn("payment nonce replay", "payer", auth.Payer, "nonce", auth.Nonce)
		return ErrNonceReplayed
	}
	return nil
}
