package replay

import (
	"errors"
	"io"

	"pm-arb-bot/internal/recorder"
	"pm-arb-bot/internal/strategy"
)

type PairParams struct {
	PairTarget     float64 `json:"pair_target"`
	MaxUnpairedSec float64 `json:"max_unpaired_sec"`
	// Strategy filters trade records; empty accepts every strategy.
	Strategy string `json:"strategy"`
}

func DefaultPairParams() PairParams {
	return PairParams{
		PairTarget:     0.95,
		MaxUnpairedSec: 120,
		Strategy:       strategy.NameOpenLegDislocation,
	}
}

// RoundResult is the closed-out view of one round that opened leg 1.
type RoundResult struct {
	RoundID           string        `json:"round_id"`
	Leg1Side          strategy.Side `json:"leg1_side"`
	Leg1Price         float64       `json:"leg1_px"`
	Leg1Ts            int64         `json:"leg1_ts"`
	Completed         bool          `json:"completed"`
	Leg2Price         float64       `json:"leg2_px,omitempty"`
	Leg2Ts            int64         `json:"leg2_ts,omitempty"`
	PairCost          float64       `json:"pair_cost,omitempty"`
	UnpairedMs        int64         `json:"unpaired_ms"`
	TimeBelowTargetMs int64         `json:"time_below_target_ms"`
	BestPairCost      float64       `json:"best_pair_cost,omitempty"`
	ExposureAUC       float64       `json:"unpaired_exposure_auc"`
	MaxUnpairedBreach bool          `json:"max_unpaired_breach"`
}

type PairReport struct {
	RoundsWithLeg1                       int           `json:"rounds_with_leg1"`
	RoundsCompleted                      int           `json:"rounds_completed"`
	CompletionRate                       float64       `json:"completion_rate"`
	AvgUnpairedDurationMsCompleted       float64       `json:"avg_unpaired_duration_ms_completed"`
	AvgUnpairedDurationMsAll             float64       `json:"avg_unpaired_duration_ms_all"`
	AvgPairCost                          float64       `json:"avg_pair_cost"`
	MinPairCost                          *float64      `json:"min_pair_cost"`
	MaxPairCost                          *float64      `json:"max_pair_cost"`
	P10PairCost                          float64       `json:"p10_pair_cost"`
	P50PairCost                          float64       `json:"p50_pair_cost"`
	P90PairCost                          float64       `json:"p90_pair_cost"`
	P50UnpairedMs                        float64       `json:"p50_unpaired_ms"`
	P90UnpairedMs                        float64       `json:"p90_unpaired_ms"`
	TimeInDislocationMsTotal             int64         `json:"time_in_dislocation_ms_total"`
	MissedOpportunitiesRounds            int           `json:"missed_opportunities_rounds"`
	AvgBestPossiblePairCostWhileUnpaired float64       `json:"avg_best_possible_pair_cost_while_unpaired"`
	UnpairedExposureAUCTotal             float64       `json:"unpaired_exposure_auc_total"`
	MaxUnpairedSecBreaches               int           `json:"max_unpaired_sec_breaches"`
	Rounds                               []RoundResult `json:"rounds"`
	SkippedLines                         int           `json:"skipped_lines"`
}

type pairReducer struct {
	params   PairParams
	mem      *strategy.RoundMemory
	lastTick int64

	pairCosts []float64
	unpaired  []float64
	completed []float64
	bestCosts []float64
	report    PairReport
}

// ReducePairMetrics replays ticks and fills of one strategy and aggregates
// per-round pairing results. A round closes when the round id changes or
// the log ends; the last observed tick time is its end.
func ReducePairMetrics(r *Reader, p PairParams) (PairReport, error) {
	red := &pairReducer{params: p}
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return PairReport{}, err
		}
		switch {
		case rec.Tick != nil:
			red.onTick(rec.Tick)
		case rec.Trade != nil:
			red.onTrade(rec.Trade)
		}
	}
	if red.mem != nil {
		end := red.mem.LastTickTs
		if end == 0 {
			end = red.lastTick
		}
		red.finalize(end)
	}
	red.report.SkippedLines = r.Skipped()
	return red.summarize(), nil
}

func (p *pairReducer) onTick(t *recorder.Tick) {
	p.lastTick = t.Ts
	if p.mem != nil && p.mem.RoundID != t.PM.RoundID {
		p.finalize(p.mem.LastTickTs)
		p.mem = nil
	}
	if p.mem == nil {
		p.mem = strategy.NewRoundMemory(t.PM.RoundID, t.PM.RoundStartMs, t.Ts)
	}
	var oppAsk float64
	if p.mem.Leg1 != nil {
		oppAsk = t.PM.Up.Ask
		if p.mem.Leg1.Side == strategy.SideUp {
			oppAsk = t.PM.Down.Ask
		}
	}
	p.mem.Integrate(t.Ts, oppAsk, p.params.PairTarget)
}

func (p *pairReducer) onTrade(t *recorder.Trade) {
	if p.params.Strategy != "" && t.Strategy != p.params.Strategy {
		return
	}
	if p.mem != nil && p.mem.RoundID != t.RoundID {
		p.finalize(p.mem.LastTickTs)
		p.mem = nil
	}
	if p.mem == nil {
		p.mem = strategy.NewRoundMemory(t.RoundID, 0, t.T)
	}
	p.mem.RecordFill(strategy.Fill{
		RoundID:  t.RoundID,
		Strategy: t.Strategy,
		Leg:      t.Leg,
		Side:     t.Side,
		Shares:   t.Shares,
		Price:    t.Px,
		TsMs:     t.T,
		Reason:   t.Reason,
	}, 0)
}

func (p *pairReducer) finalize(end int64) {
	m := p.mem
	if m == nil || m.Leg1 == nil {
		return
	}
	res := RoundResult{
		RoundID:           m.RoundID,
		Leg1Side:          m.Leg1.Side,
		Leg1Price:         m.Leg1.EntryPrice,
		Leg1Ts:            m.Leg1.EntryTs,
		TimeBelowTargetMs: m.TimeBelowTargetAt(end),
		ExposureAUC:       m.UnpairedExposureAUC,
	}
	if m.Leg2 != nil {
		res.Completed = true
		res.Leg2Price = m.Leg2.EntryPrice
		res.Leg2Ts = m.Leg2.EntryTs
		res.PairCost = m.Leg2.PairCost
		res.UnpairedMs = m.Leg2.EntryTs - m.Leg1.EntryTs
	} else {
		res.UnpairedMs = end - m.Leg1.EntryTs
	}
	if res.UnpairedMs < 0 {
		res.UnpairedMs = 0
	}
	res.MaxUnpairedBreach = float64(res.UnpairedMs)/1000 > p.params.MaxUnpairedSec
	if m.HasBestPairCost {
		res.BestPairCost = m.BestPairCostSeen
		p.bestCosts = append(p.bestCosts, m.BestPairCostSeen)
	}

	rep := &p.report
	rep.RoundsWithLeg1++
	p.unpaired = append(p.unpaired, float64(res.UnpairedMs))
	if res.Completed {
		rep.RoundsCompleted++
		p.pairCosts = append(p.pairCosts, res.PairCost)
		p.completed = append(p.completed, float64(res.UnpairedMs))
	} else if res.TimeBelowTargetMs > 0 {
		rep.MissedOpportunitiesRounds++
	}
	if res.MaxUnpairedBreach {
		rep.MaxUnpairedSecBreaches++
	}
	rep.TimeInDislocationMsTotal += res.TimeBelowTargetMs
	rep.UnpairedExposureAUCTotal += res.ExposureAUC
	rep.Rounds = append(rep.Rounds, res)
}

func (p *pairReducer) summarize() PairReport {
	rep := p.report
	rep.CompletionRate = ratio(float64(rep.RoundsCompleted), float64(rep.RoundsWithLeg1))
	rep.AvgUnpairedDurationMsCompleted = mean(p.completed)
	rep.AvgUnpairedDurationMsAll = mean(p.unpaired)
	rep.AvgPairCost = mean(p.pairCosts)
	if len(p.pairCosts) > 0 {
		lo, hi := p.pairCosts[0], p.pairCosts[0]
		for _, c := range p.pairCosts[1:] {
			if c < lo {
				lo = c
			}
			if c > hi {
				hi = c
			}
		}
		rep.MinPairCost = &lo
		rep.MaxPairCost = &hi
	}
	rep.P10PairCost = Percentile(p.pairCosts, 0.1)
	rep.P50PairCost = Percentile(p.pairCosts, 0.5)
	rep.P90PairCost = Percentile(p.pairCosts, 0.9)
	rep.P50UnpairedMs = Percentile(p.unpaired, 0.5)
	rep.P90UnpairedMs = Percentile(p.unpaired, 0.9)
	rep.AvgBestPossiblePairCostWhileUnpaired = mean(p.bestCosts)
	return rep
}
