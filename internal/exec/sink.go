// Package exec turns admitted buy actions into fills, either against a
// paper ledger or through the signed order router.
package exec

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pm-arb-bot/internal/strategy"
)

const (
	VenuePaper = "paper"
	VenueLive  = "live"
)

var ErrInvalidRequest = errors.New("invalid buy request")

type BuyRequest struct {
	RoundID       string        `json:"round_id"`
	Strategy      string        `json:"strategy"`
	Leg           int           `json:"leg"`
	Side          strategy.Side `json:"side"`
	TokenID       string        `json:"token_id,omitempty"`
	Shares        float64       `json:"shares"`
	LimitPrice    float64       `json:"limit_px"`
	Reason        string        `json:"reason,omitempty"`
	TsMs          int64         `json:"ts"`
	ClientOrderID string        `json:"cloid,omitempty"`
}

func (r BuyRequest) Validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	}
	if r.Shares <= 0 {
		return fmt.Errorf("%w: shares %v", ErrInvalidRequest, r.Shares)
	}
	if r.LimitPrice <= 0 || r.LimitPrice > 1 {
		return fmt.Errorf("%w: limit price %v", ErrInvalidRequest, r.LimitPrice)
	}
	return nil
}

// RequestFromAction copies a strategy action into a sink request.
func RequestFromAction(a strategy.Action, tokenID string, ts int64) BuyRequest {
	return BuyRequest{
		RoundID:    a.RoundID,
		Strategy:   a.Strategy,
		Leg:        a.Leg,
		Side:       a.Side,
		TokenID:    tokenID,
		Shares:     a.Shares,
		LimitPrice: a.LimitPrice,
		Reason:     a.Reason,
		TsMs:       ts,
	}
}

var cloidNamespace = uuid.MustParse("6f1c2d0e-41f3-4c55-9a51-8d1f0d7ab2c4")

// ClientOrderID derives a stable id for a request so a replayed approval
// maps onto the order already placed.
func ClientOrderID(r BuyRequest) string {
	if r.ClientOrderID != "" {
		return r.ClientOrderID
	}
	key := fmt.Sprintf("%s|%s|%d|%s|%d|%v|%v", r.RoundID, r.Strategy, r.Leg, r.Side, r.TsMs, r.Shares, r.LimitPrice)
	return uuid.NewSHA1(cloidNamespace, []byte(key)).String()
}

type Fill struct {
	TsMs     int64         `json:"t"`
	RoundID  string        `json:"round_id"`
	Strategy string        `json:"strategy"`
	Leg      int           `json:"leg"`
	Side     strategy.Side `json:"side"`
	Shares   float64       `json:"shares"`
	Price    float64       `json:"px"`
	Venue    string        `json:"venue"`
	OrderID  string        `json:"order_id,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Err      string        `json:"error,omitempty"`
}

func (f Fill) OK() bool {
	return f.Err == ""
}

// StrategyFill is the view of a fill that strategies consume.
func (f Fill) StrategyFill() strategy.Fill {
	return strategy.Fill{
		RoundID:  f.RoundID,
		Strategy: f.Strategy,
		Leg:      f.Leg,
		Side:     f.Side,
		Shares:   f.Shares,
		Price:    f.Price,
		TsMs:     f.TsMs,
		Reason:   f.Reason,
	}
}

func failedFill(req BuyRequest, venue string, err error) Fill {
	return Fill{
		TsMs:     req.TsMs,
		RoundID:  req.RoundID,
		Strategy: req.Strategy,
		Leg:      req.Leg,
		Side:     req.Side,
		Shares:   req.Shares,
		Price:    req.LimitPrice,
		Venue:    venue,
		Reason:   req.Reason,
		Err:      err.Error(),
	}
}

// Sink executes buys. A failed buy returns an error together with a Fill
// carrying Err so callers can record it without touching strategy memory.
type Sink interface {
	Name() string
	Buy(ctx context.Context, req BuyRequest) (Fill, error)
	Ledger() *Ledger
}
