package replay

import (
	"context"
	"errors"
	"io"
	"time"

	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/hitl"
	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/recorder"
	"pm-arb-bot/internal/round"
	"pm-arb-bot/internal/strategy"
)

const (
	DefaultEquityPoints = 1000
	bandLow             = 0.84
	bandHigh            = 0.96
)

type BacktestParams struct {
	Mode         strategy.Mode `json:"mode"`
	Fusion       fusion.Params `json:"-"`
	EquityPoints int           `json:"equity_points"`
}

func DefaultBacktestParams() BacktestParams {
	return BacktestParams{
		Mode:         strategy.ModeAuto,
		Fusion:       fusion.DefaultParams(),
		EquityPoints: DefaultEquityPoints,
	}
}

type BacktestStats struct {
	RoundsSeen        int     `json:"rounds_seen"`
	Entries           int     `json:"entries"`
	CompletedPairs    int     `json:"completed_pairs"`
	Leg1Entries       int     `json:"leg1_entries"`
	Leg2Entries       int     `json:"leg2_entries"`
	AvgPairCost       float64 `json:"avg_pair_cost"`
	MedianPairCost    float64 `json:"median_pair_cost"`
	P10PairCost       float64 `json:"p10_pair_cost"`
	P90PairCost       float64 `json:"p90_pair_cost"`
	WithinBandPct     float64 `json:"within_band_pct"`
	OvershootPct      float64 `json:"overshoot_pct"`
	AvgUnpairedSec    float64 `json:"avg_unpaired_sec"`
	MedianUnpairedSec float64 `json:"median_unpaired_sec"`
	P90UnpairedSec    float64 `json:"p90_unpaired_sec"`
	TotalPnL          float64 `json:"total_pnl"`
	AvgPnLPerRound    float64 `json:"avg_pnl_per_round"`
	EntryRate         float64 `json:"entry_rate"`
	CompletionRate    float64 `json:"completion_rate"`
	PairRate          float64 `json:"pair_rate"`
}

type EquityPoint struct {
	Ts  int64   `json:"ts"`
	PnL float64 `json:"pnl"`
}

type BacktestReport struct {
	Strategy       string         `json:"strategy"`
	Stats          BacktestStats  `json:"stats"`
	EquityCurve    []EquityPoint  `json:"equity_curve"`
	DecisionCounts map[string]int `json:"decision_counts"`
	Fills          int            `json:"fills"`
	FailedFills    int            `json:"failed_fills"`
	// HITL runs approve nothing; proposals are counted and left to expire.
	Proposals        int `json:"proposals"`
	ProposalsExpired int `json:"proposals_expired"`
	SkippedLines   int            `json:"skipped_lines"`
}

type openLeg struct {
	price float64
	ts    int64
}

type backtester struct {
	strat  strategy.Strategy
	params BacktestParams
	paper  *exec.Paper
	ctx    strategy.Context
	gate   *hitl.Gate
	nowMs  int64

	roundID    string
	roundStart float64
	pending    *openLeg

	pairCosts []float64
	unpaired  []float64
	equity    []EquityPoint
	report    BacktestReport
}

// Backtest drives s over every recorded tick. Buys fill immediately at
// their limit price on a paper ledger and are reported back to s.
func Backtest(ctx context.Context, r *Reader, s strategy.Strategy, p BacktestParams) (BacktestReport, error) {
	if p.EquityPoints <= 0 {
		p.EquityPoints = DefaultEquityPoints
	}
	if p.Mode == "" {
		p.Mode = strategy.ModeAuto
	}
	if p.Fusion == (fusion.Params{}) {
		p.Fusion = fusion.DefaultParams()
	}
	bt := &backtester{
		strat:  s,
		params: p,
		paper:  exec.NewPaper(),
		ctx:    strategy.Context{Mode: p.Mode, AgentAutoApprove: p.Mode != strategy.ModeHITL},
		report: BacktestReport{Strategy: s.Name(), DecisionCounts: make(map[string]int)},
	}
	clock := func() time.Time { return time.UnixMilli(bt.nowMs) }
	bt.gate = hitl.NewGate(hitl.NewStore(0, clock), hitl.DefaultTTL, hitl.DefaultMinTTL, clock)
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return BacktestReport{}, err
			}
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return BacktestReport{}, err
		}
		if rec.Tick != nil {
			bt.onTick(ctx, rec.Tick)
		}
	}
	bt.closeRound()
	bt.report.SkippedLines = r.Skipped()
	return bt.summarize(), nil
}

// StateFromTick rebuilds the per-tick view from a recorded line.
func StateFromTick(t *recorder.Tick, portfolio fusion.Portfolio, p fusion.Params) fusion.State {
	info := round.Info{
		ID:               t.PM.RoundID,
		StartMs:          t.PM.RoundStartMs,
		SecondsRemaining: t.PM.SecondsRemaining,
	}
	if info.StartMs == 0 {
		info.StartMs = round.StartSec(t.Ts) * 1000
		info.SecondsRemaining = round.SecondsRemaining(t.Ts)
	}
	up := fusion.LegQuote{Bid: t.PM.Up.Bid, Ask: t.PM.Up.Ask, TokenID: t.PM.Up.TokenID}
	down := fusion.LegQuote{Bid: t.PM.Down.Bid, Ask: t.PM.Down.Ask, TokenID: t.PM.Down.TokenID}
	var ref market.ReferenceSignals
	if t.Ref != nil {
		ref = *t.Ref
	}
	return fusion.Build(t.Ts, info, up, down, ref, portfolio, p)
}

func (b *backtester) onTick(ctx context.Context, t *recorder.Tick) {
	if t.PM.RoundID != b.roundID {
		b.closeRound()
		b.roundID = t.PM.RoundID
		b.strat.OnRoundReset(b.roundID)
		b.roundStart = b.paper.Ledger().Portfolio().PnL
		b.pending = nil
	}
	ledger := b.paper.Ledger()
	state := StateFromTick(t, ledger.Portfolio(), b.params.Fusion)
	ledger.Mark(state.Up.Mid(), state.Down.Mid())
	state.Portfolio = ledger.Portfolio()

	decision := b.strat.OnTick(state, b.ctx)
	if l, ok := decision.(strategy.Legacy); ok {
		b.report.DecisionCounts[string(l.Type)]++
	}
	resolved := strategy.Resolve(decision, state, b.strat.Name())
	b.nowMs = t.Ts
	b.report.ProposalsExpired += len(b.gate.Store().ExpireNow(time.UnixMilli(t.Ts)))
	resolved, created := b.gate.Apply(resolved, b.ctx, state.Round.SecondsRemaining)
	b.report.Proposals += len(created)
	buys := 0
	for _, a := range resolved.Actions {
		if !a.IsBuy() {
			continue
		}
		buys++
		b.execute(ctx, state, a)
	}
	if _, ok := decision.(strategy.Modern); ok {
		if buys > 0 {
			b.report.DecisionCounts[string(strategy.ActionBuyShares)] += buys
		} else {
			b.report.DecisionCounts[string(strategy.ActionNoop)]++
		}
		for _, c := range resolved.Control {
			b.report.DecisionCounts[string(c.Type)]++
		}
	}

	b.equity = append(b.equity, EquityPoint{Ts: t.Ts, PnL: ledger.Portfolio().PnL})
	if len(b.equity) > 2*b.params.EquityPoints {
		b.equity = append([]EquityPoint(nil), b.equity[len(b.equity)-b.params.EquityPoints:]...)
	}
}

func (b *backtester) execute(ctx context.Context, state fusion.State, a strategy.Action) {
	token := state.Up.TokenID
	if a.Side == strategy.SideDown {
		token = state.Down.TokenID
	}
	fill, err := b.paper.Buy(ctx, exec.RequestFromAction(a, token, state.Ts))
	if err != nil {
		b.report.FailedFills++
		return
	}
	b.report.Fills++
	if obs, ok := b.strat.(strategy.FillObserver); ok {
		obs.OnFill(fill.StrategyFill())
	}
	st := &b.report.Stats
	st.Entries++
	switch a.Leg {
	case 2:
		st.Leg2Entries++
		if b.pending != nil {
			b.pairCosts = append(b.pairCosts, b.pending.price+fill.Price)
			b.unpaired = append(b.unpaired, float64(fill.TsMs-b.pending.ts)/1000)
			st.CompletedPairs++
			b.pending = nil
		}
	default:
		st.Leg1Entries++
		b.pending = &openLeg{price: fill.Price, ts: fill.TsMs}
	}
}

func (b *backtester) closeRound() {
	if b.roundID == "" {
		return
	}
	st := &b.report.Stats
	st.RoundsSeen++
	st.TotalPnL += b.paper.Ledger().Portfolio().PnL - b.roundStart
}

func (b *backtester) summarize() BacktestReport {
	rep := b.report
	st := &rep.Stats
	st.AvgPairCost = mean(b.pairCosts)
	st.MedianPairCost = Percentile(b.pairCosts, 0.5)
	st.P10PairCost = Percentile(b.pairCosts, 0.1)
	st.P90PairCost = Percentile(b.pairCosts, 0.9)
	var within, over int
	for _, c := range b.pairCosts {
		switch {
		case c > bandHigh:
			over++
		case c >= bandLow:
			within++
		}
	}
	st.WithinBandPct = ratio(float64(within), float64(len(b.pairCosts)))
	st.OvershootPct = ratio(float64(over), float64(len(b.pairCosts)))
	st.AvgUnpairedSec = mean(b.unpaired)
	st.MedianUnpairedSec = Percentile(b.unpaired, 0.5)
	st.P90UnpairedSec = Percentile(b.unpaired, 0.9)
	rounds := float64(st.RoundsSeen)
	st.AvgPnLPerRound = ratio(st.TotalPnL, rounds)
	st.EntryRate = ratio(float64(st.Entries), rounds)
	st.CompletionRate = ratio(float64(st.CompletedPairs), float64(st.Leg1Entries))
	st.PairRate = ratio(float64(st.CompletedPairs), rounds)

	curve := b.equity
	if len(curve) > b.params.EquityPoints {
		curve = curve[len(curve)-b.params.EquityPoints:]
	}
	rep.EquityCurve = append([]EquityPoint(nil), curve...)
	return rep
}
