package gate

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustfold/sweeper/internal/core/config"
)

type stubVerifier struct {
	valid bool
	err   error
	calls int
}

func (v *stubVerifier) Verify(ctx context.Context, auth Authorization) (bool, error) {
	v.calls++
	return v.valid, v.err
}

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemNonces() *memNonces { return &memNonces{seen: make(map[string]bool)} }

func (m *memNonces) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func testGate(t *testing.T, verifier *stubVerifier, at time.Time) *Gate {
	t.Helper()
	g := New(config.GateConfig{Enabled: true, NonceTTL: time.Hour}, verifier, newMemNonces(), slog.Default())
	g.now = func() time.Time { return at }
	return g
}

func validAuth(now time.Time) *Authorization {
	return &Authorization{
		Payer:       "0xpayer",
		Nonce:       "n-1",
		ValidAfter:  now.Add(-time.Minute).Unix(),
		ValidBefore: now.Add(time.Minute).Unix(),
		Signature:   "sig",
	}
}

func TestGate_AdmitsValidAuthorization(t *testing.T) {
	now := time.Now()
	g := testGate(t, &stubVerifier{valid: true}, now)

	require.NoError(t, g.Admit(context.Background(), validAuth(now)))
}

func TestGate_RejectsReplay(t *testing.T) {
	now := time.Now()
	g := testGate(t, &stubVerifier{valid: true}, now)
	auth := validAuth(now)

	require.NoError(t, g.Admit(context.Background(), auth))
	assert.ErrorIs(t, g.Admit(context.Background(), auth), ErrNonceReplayed)
}

func TestGate_RejectsOutsideWindow(t *testing.T) {
	now := time.Now()
	g := testGate(t, &stubVerifier{valid: true}, now)

	early := validAuth(now)
	early.ValidAfter = now.Add(time.Minute).Unix()
	assert.ErrorIs(t, g.Admit(context.Background(), early), ErrAuthorizationExpired)

	late := validAuth(now)
	late.ValidBefore = now.Add(-time.Minute).Unix()
	assert.ErrorIs(t, g.Admit(context.Background(), late), ErrAuthorizationExpired)
}

func TestGate_RejectedPermitDoesNotBurnNonce(t *testing.T) {
	now := time.Now()
	v := &stubVerifier{valid: false}
	g := testGate(t, v, now)
	auth := validAuth(now)

	assert.ErrorIs(t, g.Admit(context.Background(), auth), ErrInvalidAuthorization)

	// Fix the signature problem; the same nonce must still work.
	v.valid = true
	assert.NoError(t, g.Admit(context.Background(), auth))
}

func TestGate_MissingAuthorization(t *testing.T) {
	now := time.Now()
	g := testGate(t, &stubVerifier{valid: true}, now)

	assert.ErrorIs(t, g.Admit(context.Background(), nil), ErrPaymentRequired)
}

func TestGate_DisabledPassesThrough(t *testing.T) {
	v := &stubVerifier{}
	g := New(config.GateConfig{Enabled: false}, v, newMemNonces(), slog.Default())

	require.NoError(t, g.Admit(context.Background(), nil))
	assert.Equal(t, 0, v.calls)
}
