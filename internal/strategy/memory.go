package strategy

import "math"

// LegFill describes one filled leg of a pairing round.
type LegFill struct {
	Side          Side    `json:"side"`
	Shares        float64 `json:"shares"`
	EntryPrice    float64 `json:"entry_px"`
	EntryTs       int64   `json:"entry_ts"`
	OppAskAtEntry float64 `json:"entry_opp_ask_at_entry,omitempty"`
	PairCost      float64 `json:"pair_cost,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// RoundMemory is the per round record of filled legs and unpaired exposure.
// A new round always starts from a fresh value.
type RoundMemory struct {
	RoundID             string   `json:"round_id"`
	RoundStartMs        int64    `json:"round_start_ms"`
	Leg1                *LegFill `json:"leg1"`
	Leg2                *LegFill `json:"leg2"`
	PairsCompleted      int      `json:"pairs_completed"`
	LastActionMs        int64    `json:"last_action_ms"`
	LastTickTs          int64    `json:"last_tick_ts"`
	BelowTarget         bool     `json:"below_target"`
	BelowTargetSinceMs  int64    `json:"below_target_since_ms,omitempty"`
	TimeBelowTargetMs   int64    `json:"time_below_target_ms"`
	BestPairCostSeen    float64  `json:"best_pair_cost_seen"`
	HasBestPairCost     bool     `json:"has_best_pair_cost"`
	UnpairedExposureAUC float64  `json:"unpaired_exposure_auc"`
	LastPairCostIfNow   float64  `json:"last_pair_cost_if_now"`
	HasPairCostIfNow    bool     `json:"has_pair_cost_if_now"`
}

func NewRoundMemory(roundID string, roundStartMs, ts int64) *RoundMemory {
	return &RoundMemory{RoundID: roundID, RoundStartMs: roundStartMs, LastTickTs: ts}
}

func (m *RoundMemory) Unpaired() bool {
	return m.Leg1 != nil && m.Leg2 == nil
}

// Integrate advances the unpaired exposure accumulators to ts. Each tick
// adds its pair cost weighted by the gap since the previous tick.
func (m *RoundMemory) Integrate(ts int64, oppAsk, target float64) {
	dt := ts - m.LastTickTs
	if dt < 0 {
		dt = 0
	}
	m.LastTickTs = ts
	if !m.Unpaired() {
		return
	}
	cost := m.Leg1.EntryPrice + oppAsk
	m.LastPairCostIfNow = cost
	m.HasPairCostIfNow = true
	m.UnpairedExposureAUC += cost * float64(dt) / 1000
	if !m.HasBestPairCost {
		m.BestPairCostSeen = cost
		m.HasBestPairCost = true
	} else {
		m.BestPairCostSeen = math.Min(m.BestPairCostSeen, cost)
	}
	below := cost <= target
	switch {
	case below && !m.BelowTarget:
		m.BelowTarget = true
		m.BelowTargetSinceMs = ts
	case !below && m.BelowTarget:
		m.closeBelowTarget(ts)
	}
}

// TimeBelowTargetAt includes the still-open dwell window.
func (m *RoundMemory) TimeBelowTargetAt(ts int64) int64 {
	total := m.TimeBelowTargetMs
	if m.BelowTarget && ts > m.BelowTargetSinceMs {
		total += ts - m.BelowTargetSinceMs
	}
	return total
}

// RecordFill applies a fill. Leg 1 is only taken once, leg 2 only after leg 1.
func (m *RoundMemory) RecordFill(f Fill, oppAsk float64) bool {
	switch f.Leg {
	case 1:
		if m.Leg1 != nil {
			return false
		}
		m.Leg1 = &LegFill{
			Side:          f.Side,
			Shares:        f.Shares,
			EntryPrice:    f.Price,
			EntryTs:       f.TsMs,
			OppAskAtEntry: oppAsk,
			PairCost:      f.Price + oppAsk,
			Reason:        f.Reason,
		}
		m.LastActionMs = maxInt64(m.LastActionMs, f.TsMs)
		return true
	case 2:
		if m.Leg1 == nil || m.Leg2 != nil {
			return false
		}
		m.Leg2 = &LegFill{
			Side:       f.Side,
			Shares:     f.Shares,
			EntryPrice: f.Price,
			EntryTs:    f.TsMs,
			PairCost:   m.Leg1.EntryPrice + f.Price,
			Reason:     f.Reason,
		}
		if m.BelowTarget {
			m.closeBelowTarget(f.TsMs)
		}
		m.PairsCompleted++
		m.LastActionMs = maxInt64(m.LastActionMs, f.TsMs)
		return true
	}
	return false
}

func (m *RoundMemory) closeBelowTarget(ts int64) {
	if ts > m.BelowTargetSinceMs {
		m.TimeBelowTargetMs += ts - m.BelowTargetSinceMs
	}
	m.BelowTarget = false
	m.BelowTargetSinceMs = 0
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
