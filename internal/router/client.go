// Package router signs outcome-token orders and submits them to an order
// router over HTTP.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultBaseURL = "http://127.0.0.1:8088"

type Client struct {
	baseURL       string
	http          *resty.Client
	signer        *Signer
	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	log           *zap.Logger
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		signer:  signer,
		log:     zap.NewNop(),
	}, nil
}

func (c *Client) SetLogger(log *zap.Logger) {
	if log != nil {
		c.log = log
	}
}

// PlaceOrder signs and submits one order and returns the router's order id.
func (c *Client) PlaceOrder(ctx context.Context, order OrderWire) (string, error) {
	action := OrderAction{Type: "order", Orders: []OrderWire{order}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce)
	if err != nil {
		return "", err
	}
	resp, err := c.postAction(ctx, action, sig, nonce)
	if err != nil {
		return "", err
	}
	if err := RejectionFromResponse(resp); err != nil {
		return "", err
	}
	id := OrderIDFromResponse(resp)
	if id == "" {
		return "", fmt.Errorf("router reply without order id: %v", resp)
	}
	return id, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	action := CancelAction{Type: "cancel", OrderIDs: []string{orderID}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelAction(action, nonce)
	if err != nil {
		return err
	}
	_, err = c.postAction(ctx, action, sig, nonce)
	return err
}

// InitNonceStore seeds the nonce counter from the store so nonces keep
// increasing across restarts.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := nonceStoreKey(c.baseURL, c.signer)
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *Client) NonceState() (NonceState, bool) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	return fmt.Sprintf("router:nonce:%s:%s", strings.ToLower(baseURL), addr)
}

func (c *Client) postAction(ctx context.Context, action any, sig Signature, nonce uint64) (map[string]any, error) {
	payload := SignedAction{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
		Owner:     c.signer.Address().Hex(),
	}
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		body := resp.Body()
		if len(body) > 2048 {
			body = body[:2048]
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), string(body))
	}
	return out, nil
}
