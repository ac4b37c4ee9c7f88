package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pledgevault/token"
)

func testHashes(n int) []token.Hash {
	out := make([]token.Hash, n)
	for i := range out {
		out[i] = token.HashFromBytes(bytes.Repeat([]byte{byte(i + 1)}, token.HashSize))
	}
	return out
}

func TestSignatureRoundTrip(t *testing.T) {
	raw := make([]byte, 65)
	for i := range raw {
		raw[i] = byte(i)
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if sig.V != 64 {
		t.Fatalf("expected v=64, got %d", sig.V)
	}
	if !bytes.Equal(sig.Bytes(), raw) {
		t.Fatalf("signature round trip mismatch")
	}
	if _, err := SignatureFromBytes(raw[:64]); err == nil {
		t.Fatalf("expected error for short signature")
	}
}

func TestHashTokensChunksRequests(t *testing.T) {
	var calls int
	var batchSizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "campaign_hashTokens" {
			t.Errorf("unexpected method %s", req.Method)
		}
		calls++
		raw, _ := req.Params[1].([]interface{})
		batchSizes = append(batchSizes, len(raw))
		hashes := make([]string, len(raw))
		for i, item := range raw {
			s, _ := item.(string)
			// Echo the input back shifted so ordering is observable.
			b, _ := hex.DecodeString(s[2:])
			b[0] ^= 0xff
			hashes[i] = "0x" + hex.EncodeToString(b)
		}
		result, _ := json.Marshal(hashes)
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, MaxCallBatch: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	blinded := testHashes(5)
	out, err := client.HashTokens(context.Background(), "0xabc", blinded)
	if err != nil {
		t.Fatalf("hash tokens: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 chunked calls, got %d", calls)
	}
	for i, size := range []int{2, 2, 1} {
		if batchSizes[i] != size {
			t.Fatalf("chunk %d size %d, expected %d", i, batchSizes[i], size)
		}
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 hashes, got %d", len(out))
	}
	for i := range out {
		if out[i][0] != blinded[i][0]^0xff {
			t.Fatalf("hash %d out of order", i)
		}
	}
}

func TestHashTokensPartialOnChunkFailure(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		raw, _ := req.Params[1].([]interface{})
		hashes := make([]string, len(raw))
		for i, item := range raw {
			hashes[i], _ = item.(string)
		}
		result, _ := json.Marshal(hashes)
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, MaxCallBatch: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.HashTokens(context.Background(), "0xabc", testHashes(5))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected the successful first chunk, got %d hashes", len(out))
	}
}

func TestRedeemBatchRevertReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &rpcError{Code: 3, Message: "execution reverted: campaign goal exceeded"},
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sig, _ := SignatureFromBytes(make([]byte, 65))
	_, err = client.RedeemBatch(context.Background(), "0xabc", testHashes(1), []Signature{sig})
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if revert.Reason != "campaign goal exceeded" {
		t.Fatalf("expected verbatim reason without prefix, got %q", revert.Reason)
	}
}

func TestRedeemBatchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, _ := json.Marshal(Receipt{TxHash: "0xdeadbeef", BlockNumber: 12})
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sig, _ := SignatureFromBytes(make([]byte, 65))
	receipt, err := client.RedeemBatch(context.Background(), "0xabc", testHashes(1), []Signature{sig})
	if err != nil {
		t.Fatalf("redeem batch: %v", err)
	}
	if receipt.TxHash != "0xdeadbeef" || receipt.BlockNumber != 12 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestRedeemBatchValidatesInput(t *testing.T) {
	client, err := NewClient(Config{URL: "http://127.0.0.1:0", MaxCallBatch: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sig, _ := SignatureFromBytes(make([]byte, 65))
	if _, err := client.RedeemBatch(context.Background(), "0xabc", testHashes(2), []Signature{sig}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	sigs := []Signature{sig, sig, sig}
	if _, err := client.RedeemBatch(context.Background(), "0xabc", testHashes(3), sigs); err == nil {
		t.Fatalf("expected batch size error")
	}
}

func TestIsSignatureValid(t *testing.T) {
	for _, verdict := range []bool{true, false} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req rpcRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			result, _ := json.Marshal(verdict)
			_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
		}))
		client, err := NewClient(Config{URL: server.URL})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		sig, _ := SignatureFromBytes(make([]byte, 65))
		got, err := client.IsSignatureValid(context.Background(), "0xabc", testHashes(1)[0], sig)
		if err != nil {
			t.Fatalf("is signature valid: %v", err)
		}
		if got != verdict {
			t.Fatalf("expected %v, got %v", verdict, got)
		}
		server.Close()
	}
}

func TestCallUnavailableOnTransportError(t *testing.T) {
	client, err := NewClient(Config{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sig, _ := SignatureFromBytes(make([]byte, 65))
	_, err = client.IsSignatureValid(context.Background(), "0xabc", testHashes(1)[0], sig)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
