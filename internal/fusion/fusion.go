// Package fusion merges both outcome books and the reference flow into one
// per-tick view with derived pairing signals.
package fusion

import (
	"math"

	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/round"
)

// LegQuote is the top of book plus depth for one outcome leg.
type LegQuote struct {
	Bid     float64        `json:"bid"`
	Ask     float64        `json:"ask"`
	Bids    []market.Level `json:"-"`
	Asks    []market.Level `json:"-"`
	TokenID string         `json:"token_id,omitempty"`
}

func (q LegQuote) Mid() float64 {
	if q.Bid <= 0 && q.Ask >= 1 {
		return 0.5
	}
	return (q.Bid + q.Ask) / 2
}

type Derived struct {
	CombinedAsk        float64 `json:"combined_ask"`
	SpreadUp           float64 `json:"spread_up"`
	SpreadDown         float64 `json:"spread_down"`
	DepthImbalanceUp   float64 `json:"depth_imbalance_up"`
	DepthImbalanceDown float64 `json:"depth_imbalance_down"`
	DislocationScore   float64 `json:"dislocation_score"`
}

type Position struct {
	Shares   float64 `json:"shares"`
	AvgPrice float64 `json:"avg_price"`
	Cost     float64 `json:"cost"`
	Mark     float64 `json:"mark"`
	PnL      float64 `json:"pnl"`
}

type Portfolio struct {
	Up   Position `json:"up"`
	Down Position `json:"down"`
	PnL  float64  `json:"pnl"`
}

// State is produced once per tick and is read-only afterwards. Slices inside
// are private copies and must not be mutated by readers.
type State struct {
	Ts        int64                   `json:"ts"`
	Round     round.Info              `json:"round"`
	Up        LegQuote                `json:"up"`
	Down      LegQuote                `json:"down"`
	Reference market.ReferenceSignals `json:"reference"`
	Derived   Derived                 `json:"derived"`
	Portfolio Portfolio               `json:"portfolio"`
}

type Params struct {
	SpreadWeight    float64
	DepthWeight     float64
	FlowWeight      float64
	SpreadThreshold float64
	TargetDepth     float64
	DepthLevels     int
	Epsilon         float64
}

func DefaultParams() Params {
	return Params{
		SpreadWeight:    0.4,
		DepthWeight:     0.3,
		FlowWeight:      0.3,
		SpreadThreshold: 0.1,
		TargetDepth:     50_000,
		DepthLevels:     10,
		Epsilon:         1e-9,
	}
}

// Quote summarises a book snapshot with the empty-side fallbacks applied.
func Quote(snap market.BookSnapshot, tokenID string) LegQuote {
	return LegQuote{
		Bid:     snap.BestBid(),
		Ask:     snap.BestAsk(),
		Bids:    snap.Bids,
		Asks:    snap.Asks,
		TokenID: tokenID,
	}
}

// Derive is pure: identical inputs always give identical output.
func Derive(up, down LegQuote, flowImbalance float64, p Params) Derived {
	if p.Epsilon <= 0 {
		p.Epsilon = 1e-9
	}
	if p.SpreadThreshold <= 0 {
		p.SpreadThreshold = 0.1
	}
	if p.TargetDepth <= 0 {
		p.TargetDepth = 50_000
	}
	upBids, upAsks := sideDepth(up, p.DepthLevels)
	downBids, downAsks := sideDepth(down, p.DepthLevels)

	d := Derived{
		CombinedAsk:        up.Ask + down.Ask,
		SpreadUp:           up.Ask - up.Bid,
		SpreadDown:         down.Ask - down.Bid,
		DepthImbalanceUp:   imbalance(upBids, upAsks, p.Epsilon),
		DepthImbalanceDown: imbalance(downBids, downAsks, p.Epsilon),
	}
	tightness := 1 - clamp01((d.SpreadUp+d.SpreadDown)/p.SpreadThreshold)
	depthScore := clamp01((upBids + upAsks + downBids + downAsks) / p.TargetDepth)
	flowScore := clamp01(math.Abs(flowImbalance))
	d.DislocationScore = clamp01(p.SpreadWeight*tightness + p.DepthWeight*depthScore + p.FlowWeight*flowScore)
	return d
}

// Build assembles the tick view. Every component of the tick reads the same
// round info passed in here.
func Build(ts int64, info round.Info, up, down LegQuote, ref market.ReferenceSignals, portfolio Portfolio, p Params) State {
	return State{
		Ts:        ts,
		Round:     info,
		Up:        up,
		Down:      down,
		Reference: ref,
		Derived:   Derive(up, down, ref.FlowImbalance, p),
		Portfolio: portfolio,
	}
}

func sideDepth(q LegQuote, levels int) (bids, asks float64) {
	for i, lvl := range q.Bids {
		if levels > 0 && i >= levels {
			break
		}
		if lvl.Price <= q.Bid {
			bids += lvl.Size
		}
	}
	for i, lvl := range q.Asks {
		if levels > 0 && i >= levels {
			break
		}
		if lvl.Price >= q.Ask {
			asks += lvl.Size
		}
	}
	return bids, asks
}

func imbalance(bids, asks, eps float64) float64 {
	v := (bids - asks) / math.Max(eps, bids+asks)
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
