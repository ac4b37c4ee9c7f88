package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"pledgevault/token"
)

const (
	jsonRPCVersion = "2.0"

	// DefaultMaxCallBatch bounds how many blinded tokens ride in a single
	// hashing or redemption call, matching the contract's call-size limit.
	DefaultMaxCallBatch = 50

	revertPrefix = "execution reverted: "
)

// ErrUnavailable marks transient transport failures. Callers may retry the
// whole request; no local state changes before a ledger call succeeds.
var ErrUnavailable = errors.New("ledger: unavailable")

// RevertError carries the contract's human-readable revert reason verbatim.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "ledger: reverted: " + e.Reason
}

// Signature is a 65-byte secp256k1 signature in r||s||v layout.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// SignatureFromBytes splits a 65-byte r||s||v signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != 65 {
		return sig, fmt.Errorf("ledger: signature must be 65 bytes, got %d", len(b))
	}
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	return sig, nil
}

func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

type sigPayload struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

func (s Signature) payload() sigPayload {
	return sigPayload{
		R: "0x" + hex.EncodeToString(s.R[:]),
		S: "0x" + hex.EncodeToString(s.S[:]),
		V: s.V,
	}
}

// Receipt summarises a settled redemption transaction.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Client is a thin JSON-RPC gateway to the campaign ledger contract. It is
// the only component that talks to the chain; all of its read calls are
// side-effect free and RedeemBatch is the single state-changing method.
type Client struct {
	url          string
	maxCallBatch int
	httpClient   *http.Client
	nextID       atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL          string
	Timeout      time.Duration
	MaxCallBatch int
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("ledger: url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBatch := cfg.MaxCallBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxCallBatch
	}
	return &Client{
		url:          url,
		maxCallBatch: maxBatch,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// MaxCallBatch reports the per-call token limit the client chunks against.
func (c *Client) MaxCallBatch() int { return c.maxCallBatch }

func encodeHashes(hashes []token.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = "0x" + hex.EncodeToString(h[:])
	}
	return out
}

func decodeHash(raw string) (token.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil || len(b) != token.HashSize {
		return token.Hash{}, fmt.Errorf("ledger: bad hash %q", raw)
	}
	return token.HashFromBytes(b), nil
}

// HashTokens obtains the ledger-side commitment for each blinded token. The
// request is chunked at the contract's call-size limit; the result order
// matches the input order.
func (c *Client) HashTokens(ctx context.Context, campaignAddr string, blinded []token.Hash) ([]token.Hash, error) {
	out := make([]token.Hash, 0, len(blinded))
	for start := 0; start < len(blinded); start += c.maxCallBatch {
		end := start + c.maxCallBatch
		if end > len(blinded) {
			end = len(blinded)
		}
		var result []string
		params := []interface{}{campaignAddr, encodeHashes(blinded[start:end])}
		if err := c.call(ctx, "campaign_hashTokens", params, &result); err != nil {
			return out, err
		}
		if len(result) != end-start {
			return out, fmt.Errorf("ledger: hashTokens returned %d hashes for %d tokens", len(result), end-start)
		}
		for _, raw := range result {
			h, err := decodeHash(raw)
			if err != nil {
				return out, err
			}
			out = append(out, h)
		}
	}
	return out, nil
}

// IsSignatureValid asks the contract whether the signature matches the
// blinded token under the campaign's committed signing key.
func (c *Client) IsSignatureValid(ctx context.Context, campaignAddr string, blinded token.Hash, sig Signature) (bool, error) {
	var result bool
	params := []interface{}{campaignAddr, "0x" + hex.EncodeToString(blinded[:]), sig.payload()}
	if err := c.call(ctx, "campaign_isSignatureValid", params, &result); err != nil {
		return false, err
	}
	return result, nil
}

// RedeemBatch submits one transaction settling all supplied tokens. A
// contract revert surfaces as *RevertError carrying the reason verbatim.
func (c *Client) RedeemBatch(ctx context.Context, campaignAddr string, blinded []token.Hash, sigs []Signature) (*Receipt, error) {
	if len(blinded) != len(sigs) {
		return nil, fmt.Errorf("ledger: %d tokens but %d signatures", len(blinded), len(sigs))
	}
	if len(blinded) > c.maxCallBatch {
		return nil, fmt.Errorf("ledger: batch of %d exceeds call limit %d", len(blinded), c.maxCallBatch)
	}
	sigPayloads := make([]sigPayload, len(sigs))
	for i, sig := range sigs {
		sigPayloads[i] = sig.payload()
	}
	var receipt Receipt
	params := []interface{}{campaignAddr, encodeHashes(blinded), sigPayloads}
	if err := c.call(ctx, "campaign_redeemBatch", params, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("ledger: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if reason, ok := strings.CutPrefix(rpcResp.Error.Message, revertPrefix); ok {
			return &RevertError{Reason: reason}
		}
		return fmt.Errorf("ledger: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ledger: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
