package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"

	"pm-arb-bot/internal/state/sqlite"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(testKey, 0, "", "")
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	return signer
}

func TestFloatToWire(t *testing.T) {
	cases := []struct {
		in  float64
		out string
	}{
		{in: 0.47, out: "0.47"},
		{in: 250, out: "250"},
		{in: 0, out: "0"},
		{in: 0.123456, out: "0.123456"},
	}
	for _, tc := range cases {
		got, err := floatToWire(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := floatToWire(0.1234567); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestLimitBuyRejectsBadPrice(t *testing.T) {
	if _, err := LimitBuy("tok", 10, 1.2, TifGtc, ""); err == nil {
		t.Fatalf("expected price error")
	}
	if _, err := LimitBuy("", 10, 0.5, TifGtc, ""); err == nil {
		t.Fatalf("expected token error")
	}
}

func TestEncodeOrderActionDeterministic(t *testing.T) {
	order, err := LimitBuy("123", 20, 0.4, TifGtc, "cl-1")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, _ := EncodeOrderAction(action)
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("unexpected orders: %#v", decoded["orders"])
	}
	wire := orders[0].(map[string]any)
	if wire["p"] != "0.4" || wire["z"] != "20" || wire["c"] != "cl-1" {
		t.Fatalf("unexpected wire: %#v", wire)
	}
}

func TestSignatureRecoversSigner(t *testing.T) {
	signer := testSigner(t)
	order, _ := LimitBuy("123", 20, 0.4, TifGtc, "")
	action := OrderAction{Type: "order", Orders: []OrderWire{order}}
	sig, err := signer.SignOrderAction(action, 42)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	payload, _ := EncodeOrderAction(action)
	digest, err := signer.typedDataHash(actionHash(payload, 42, signer.Address()))
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	raw := append(append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...), byte(sig.V-27))
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Fatalf("recovered address mismatch")
	}
}

func TestNextNonceMonotonicWhenTimeDoesNotAdvance(t *testing.T) {
	c := &Client{}
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	c.lastNonce.Store(base)
	if got := c.nextNonce(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
	if got := c.nextNonce(); got != base+2 {
		t.Fatalf("expected %d, got %d", base+2, got)
	}
}

func TestNextNonceConcurrentUnique(t *testing.T) {
	c := &Client{}
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	c.lastNonce.Store(base)

	const n = 64
	results := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = c.nextNonce()
		}(i)
	}
	wg.Wait()
	seen := make(map[uint64]struct{}, n)
	for _, nonce := range results {
		if _, ok := seen[nonce]; ok {
			t.Fatalf("duplicate nonce %d", nonce)
		}
		seen[nonce] = struct{}{}
	}
}

func TestInitNonceStoreSeedsAndPersists(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	client, err := NewClient("", time.Second, testSigner(t))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	seed := uint64(time.Now().UnixMilli()) + 10_000
	key := nonceStoreKey(client.baseURL, client.signer)
	if err := store.Set(ctx, key, strconv.FormatUint(seed, 10)); err != nil {
		t.Fatalf("store seed: %v", err)
	}
	if err := client.InitNonceStore(ctx, store); err != nil {
		t.Fatalf("init nonce store: %v", err)
	}
	if nonce := client.nextNonce(); nonce != seed+1 {
		t.Fatalf("expected nonce %d, got %d", seed+1, nonce)
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected stored nonce, err=%v", err)
	}
	if raw != strconv.FormatUint(seed+1, 10) {
		t.Fatalf("expected persisted %d, got %s", seed+1, raw)
	}
}

func TestPlaceOrderPostsSignedAction(t *testing.T) {
	var got SignedAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","response":{"data":{"orderID":"0xabc"}}}`))
	}))
	defer srv.Close()

	signer := testSigner(t)
	client, err := NewClient(srv.URL, time.Second, signer)
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	order, _ := LimitBuy("123", 20, 0.4, TifGtc, "cl-1")
	id, err := client.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if id != "0xabc" {
		t.Fatalf("expected order id 0xabc, got %s", id)
	}
	if got.Owner != signer.Address().Hex() || got.Nonce == 0 || got.Signature.R == "" {
		t.Fatalf("unexpected signed action: %+v", got)
	}
}

func TestPlaceOrderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient balance", http.StatusBadRequest)
	}))
	defer srv.Close()
	client, _ := NewClient(srv.URL, time.Second, testSigner(t))
	order, _ := LimitBuy("123", 20, 0.4, TifGtc, "")
	if _, err := client.PlaceOrder(context.Background(), order); err == nil {
		t.Fatalf("expected http error")
	}
}

func TestOrderIDFromResponse(t *testing.T) {
	resp := map[string]any{"data": []any{map[string]any{"order_id": "7"}}}
	if id := OrderIDFromResponse(resp); id != "7" {
		t.Fatalf("expected 7, got %q", id)
	}
	if id := OrderIDFromResponse(nil); id != "" {
		t.Fatalf("expected empty id")
	}
}

func TestRejectionFromResponse(t *testing.T) {
	cases := []struct {
		name   string
		resp   map[string]any
		reject bool
	}{
		{"accepted", map[string]any{"success": true, "orderID": "0xabc", "status": "matched"}, false},
		{"success false", map[string]any{"success": false}, true},
		{"error message", map[string]any{"errorMsg": "not enough balance"}, true},
		{"fok unmatched", map[string]any{"success": true, "status": "unmatched"}, true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		err := RejectionFromResponse(tc.resp)
		if tc.reject && !errors.Is(err, ErrOrderRejected) {
			t.Fatalf("%s: expected rejection, got %v", tc.name, err)
		}
		if !tc.reject && err != nil {
			t.Fatalf("%s: unexpected rejection %v", tc.name, err)
		}
	}
}
