// Package recorder appends tick and trade records to one NDJSON file per
// UTC day. The same shapes are read back by the replay package.
package recorder

import (
	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/strategy"
)

const (
	TypeTick  = "tick"
	TypeTrade = "trade"
)

type Quote struct {
	Ask     float64 `json:"ask"`
	Bid     float64 `json:"bid"`
	TokenID string  `json:"tokenId,omitempty"`
}

type RoundView struct {
	RoundID          string `json:"roundId"`
	RoundStartMs     int64  `json:"roundStartMs"`
	SecondsRemaining int64  `json:"secondsRemaining"`
	Up               Quote  `json:"up"`
	Down             Quote  `json:"down"`
}

type StrategyView struct {
	Name  string `json:"name"`
	Phase string `json:"phase,omitempty"`
}

type Tick struct {
	Type     string                   `json:"type"`
	Ts       int64                    `json:"ts"`
	PM       RoundView                `json:"pm"`
	Ref      *market.ReferenceSignals `json:"ref,omitempty"`
	Strategy *StrategyView            `json:"strategy,omitempty"`
}

type Trade struct {
	Type     string        `json:"type"`
	T        int64         `json:"t"`
	RoundID  string        `json:"roundId"`
	Strategy string        `json:"strategy"`
	Leg      int           `json:"leg"`
	Side     strategy.Side `json:"side"`
	Shares   float64       `json:"shares"`
	Px       float64       `json:"px"`
	Reason   string        `json:"reason,omitempty"`
}

func TickFrom(s fusion.State, strategyName, phase string) Tick {
	ref := s.Reference
	t := Tick{
		Type: TypeTick,
		Ts:   s.Ts,
		PM: RoundView{
			RoundID:          s.Round.ID,
			RoundStartMs:     s.Round.StartMs,
			SecondsRemaining: s.Round.SecondsRemaining,
			Up:               Quote{Ask: s.Up.Ask, Bid: s.Up.Bid, TokenID: s.Up.TokenID},
			Down:             Quote{Ask: s.Down.Ask, Bid: s.Down.Bid, TokenID: s.Down.TokenID},
		},
		Ref: &ref,
	}
	if strategyName != "" {
		t.Strategy = &StrategyView{Name: strategyName, Phase: phase}
	}
	return t
}

func TradeFrom(f exec.Fill) Trade {
	return Trade{
		Type:     TypeTrade,
		T:        f.TsMs,
		RoundID:  f.RoundID,
		Strategy: f.Strategy,
		Leg:      f.Leg,
		Side:     f.Side,
		Shares:   f.Shares,
		Px:       f.Price,
		Reason:   f.Reason,
	}
}
