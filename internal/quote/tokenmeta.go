package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustfold/sweeper/internal/core/domain"
)

// TokenMeta resolves token symbols for display. Lookups are best
// effort and cached in process; a miss never blocks quote selection.
type TokenMeta struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewTokenMeta creates a metadata resolver backed by an indexer's
// token endpoint. An empty baseURL disables lookups entirely.
func NewTokenMeta(baseURL string, log *slog.Logger) *TokenMeta {
	return &TokenMeta{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 3 * time.Second},
		log:     log,
		cache:   make(map[string]string),
	}
}

// Symbol returns the cached or freshly fetched symbol for a token.
func (m *TokenMeta) Symbol(ctx context.Context, chain domain.Chain, token string) (string, bool) {
	if m.baseURL == "" {
		return "", false
	}
	key := string(chain) + ":" + strings.ToLower(token)

	m.mu.RLock()
	sym, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return sym, sym != ""
	}

	sym = m.fetch(ctx, chain, token)
	m.mu.Lock()
	m.cache[key] = sym // negative results cached too
	m.mu.Unlock()
	return sym, sym != ""
}

func (m *TokenMeta) fetch(ctx context.Context, chain domain.Chain, token string) string {
	u := fmt.Sprintf("%s/v1/token/%s/%s", m.baseURL, chain, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	res, err := m.http.Do(req)
	if err != nil {
		m.log.Debug("token metadata lookup failed", "chain", chain, "token", token, "error", err)
		return ""
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ""
	}

	var out struct {
		Symbol string `json:"symbol"`
	}
	body, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(body, &out); err != nil {
		return ""
	}
	return out.Symbol
}
