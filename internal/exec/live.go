package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pm-arb-bot/internal/router"
	"pm-arb-bot/internal/state"
)

const cloidKeyPrefix = "cloid:"

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order router.OrderWire) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

type LiveOptions struct {
	Tif            router.Tif
	RatePerSecond  float64
	Burst          int
	RetryAttempts  int
	InitialBackoff time.Duration
}

func DefaultLiveOptions() LiveOptions {
	return LiveOptions{
		Tif:            router.TifFok,
		RatePerSecond:  2,
		Burst:          2,
		RetryAttempts:  5,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// Live routes buys to the signed order router. Placement is idempotent per
// client order id across restarts when a store is provided.
type Live struct {
	placer  OrderPlacer
	store   state.Store
	log     *zap.Logger
	limiter *rate.Limiter
	opts    LiveOptions
	ledger  *Ledger

	mu    sync.Mutex
	cache map[string]string
}

func NewLive(placer OrderPlacer, store state.Store, opts LiveOptions, log *zap.Logger) *Live {
	def := DefaultLiveOptions()
	if opts.Tif == "" {
		opts.Tif = def.Tif
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Live{
		placer:  placer,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:    opts,
		ledger:  NewLedger(),
		cache:   make(map[string]string),
	}
}

func (l *Live) Name() string { return VenueLive }

func (l *Live) Ledger() *Ledger { return l.ledger }

func (l *Live) Buy(ctx context.Context, req BuyRequest) (Fill, error) {
	if err := req.Validate(); err != nil {
		return l.fail(req, err)
	}
	if req.TokenID == "" {
		return l.fail(req, fmt.Errorf("%w: missing token id for %s", ErrInvalidRequest, req.Side))
	}
	cloid := ClientOrderID(req)
	wire, err := router.LimitBuy(req.TokenID, req.Shares, req.LimitPrice, l.opts.Tif, cloid)
	if err != nil {
		return l.fail(req, err)
	}
	orderID, err := l.place(ctx, cloid, wire)
	if err != nil {
		return l.fail(req, err)
	}
	fill := Fill{
		TsMs:     req.TsMs,
		RoundID:  req.RoundID,
		Strategy: req.Strategy,
		Leg:      req.Leg,
		Side:     req.Side,
		Shares:   req.Shares,
		Price:    req.LimitPrice,
		Venue:    VenueLive,
		OrderID:  orderID,
		Reason:   req.Reason,
	}
	l.ledger.Apply(fill)
	l.log.Info("live order placed",
		zap.String("round", req.RoundID),
		zap.String("side", string(req.Side)),
		zap.Int("leg", req.Leg),
		zap.Float64("shares", req.Shares),
		zap.Float64("px", req.LimitPrice),
		zap.String("order_id", orderID),
	)
	return fill, nil
}

func (l *Live) Cancel(ctx context.Context, orderID string) error {
	return l.retry(ctx, func() error {
		return l.placer.CancelOrder(ctx, orderID)
	})
}

func (l *Live) fail(req BuyRequest, err error) (Fill, error) {
	fill := failedFill(req, VenueLive, err)
	l.ledger.Apply(fill)
	l.log.Warn("live order failed", zap.String("side", string(req.Side)), zap.Int("leg", req.Leg), zap.Error(err))
	return fill, err
}

func (l *Live) place(ctx context.Context, cloid string, wire router.OrderWire) (string, error) {
	cacheKey := cloidKeyPrefix + cloid
	l.mu.Lock()
	if oid, ok := l.cache[cacheKey]; ok {
		l.mu.Unlock()
		return oid, nil
	}
	l.mu.Unlock()
	if l.store != nil {
		if oid, ok, err := l.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			l.mu.Lock()
			l.cache[cacheKey] = oid
			l.mu.Unlock()
			return oid, nil
		}
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var orderID string
	err := l.retry(ctx, func() error {
		var err error
		orderID, err = l.placer.PlaceOrder(ctx, wire)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	if l.store != nil {
		if err := l.store.Set(ctx, cacheKey, orderID); err != nil {
			l.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	l.mu.Lock()
	l.cache[cacheKey] = orderID
	l.mu.Unlock()
	return orderID, nil
}

func (l *Live) retry(ctx context.Context, fn func() error) error {
	backoff := l.opts.InitialBackoff
	last := l.opts.RetryAttempts - 1
	for attempt := 0; attempt <= last; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, router.ErrOrderRejected) {
			return err
		}
		if attempt == last {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
