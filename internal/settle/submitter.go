package settle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
)

// ReceiptStatus is the settlement outcome of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptReverted  ReceiptStatus = "reverted"
)

// Receipt is the chain's answer about one transaction.
type Receipt struct {
	TxHash string
	Status ReceiptStatus
	Block  int64
}

// ErrUnknownTx is returned when the node has never seen the hash.
var ErrUnknownTx = errors.New("transaction unknown to node")

// Submitter broadcasts signed transactions and polls their receipts.
// The engine never holds keys; callers pass fully signed payloads.
type Submitter interface {
	// Submit broadcasts a signed transaction and returns its hash
	Submit(ctx context.Context, chain domain.Chain, signedTx []byte) (string, error)

	// Receipt looks up the settlement status of a prior submission
	Receipt(ctx context.Context, chain domain.Chain, txHash string) (*Receipt, error)
}

// RPCSubmitter talks JSON-RPC to per-chain settlement endpoints.
type RPCSubmitter struct {
	endpoints map[domain.Chain]string
	http      *http.Client
}

// NewRPCSubmitter builds a submitter from chain config; chains without
// an rpc_url are simply not submittable.
func NewRPCSubmitter(chains []config.ChainConfig) *RPCSubmitter {
	eps := make(map[domain.Chain]string, len(chains))
	for _, c := range chains {
		if c.RPCURL != "" {
			eps[c.Chain] = strings.TrimRight(c.RPCURL, "/")
		}
	}
	return &RPCSubmitter{
		endpoints: eps,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *RPCSubmitter) Submit(ctx context.Context, chain domain.Chain, signedTx []byte) (string, error) {
	var res rpcResponse
	err := s.call(ctx, chain, "sendRawTransaction", []any{"0x" + hex.EncodeToString(signedTx)}, &res)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(res.Result, &hash); err != nil {
		return "", fmt.Errorf("%s: malformed submit result: %w", chain, err)
	}
	if hash == "" {
		return "", fmt.Errorf("%s: node returned empty tx hash", chain)
	}
	return hash, nil
}

func (s *RPCSubmitter) Receipt(ctx context.Context, chain domain.Chain, txHash string) (*Receipt, error) {
	var res rpcResponse
	err := s.call(ctx, chain, "getTransactionReceipt", []any{txHash}, &res)
	if err != nil {
		return nil, err
	}
	// Null result: not mined yet, or never seen. The caller's tracking
	// deadline distinguishes the two.
	if len(res.Result) == 0 || bytes.Equal(res.Result, []byte("null")) {
		return &Receipt{TxHash: txHash, Status: ReceiptPending}, nil
	}

	var raw struct {
		Status string `json:"status"` // "0x1" success, "0x0" reverted
		Block  int64  `json:"block_number"`
	}
	if err := json.Unmarshal(res.Result, &raw); err != nil {
		return nil, fmt.Errorf("%s: malformed receipt: %w", chain, err)
	}
	r := &Receipt{TxHash: txHash, Block: raw.Block}
	switch raw.Status {
	case "0x0", "0", "reverted":
		r.Status = ReceiptReverted
	default:
		r.Status = ReceiptConfirmed
	}
	return r, nil
}

func (s *RPCSubmitter) call(ctx context.Context, chain domain.Chain, method string, params []any, out *rpcResponse) error {
	endpoint, ok := s.endpoints[chain]
	if !ok {
		return fmt.Errorf("no settlement endpoint configured for chain %s", chain)
	}

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(300*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")

		res, err := s.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		body, _ := io.ReadAll(res.Body)
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s rpc http %d", chain, res.StatusCode))
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("%s rpc http %d: %s", chain, res.StatusCode, strings.TrimSpace(string(body)))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return err
		}
		if out.Error != nil {
			return fmt.Errorf("%s rpc error %d: %s", chain, out.Error.Code, out.Error.Message)
		}
		return nil
	})
}
