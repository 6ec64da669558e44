package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/market"
	"pm-arb-bot/internal/round"
)

const testRoundStartMs int64 = 1_700_000_100_000

func tickAt(ts int64, upBid, upAsk, downBid, downAsk float64) fusion.State {
	up := fusion.LegQuote{Bid: upBid, Ask: upAsk}
	down := fusion.LegQuote{Bid: downBid, Ask: downAsk}
	return fusion.Build(ts, round.At("btc-updown-15m", ts), up, down,
		market.ReferenceSignals{}, fusion.Portfolio{}, fusion.DefaultParams())
}

func modern(t *testing.T, d Decision) Modern {
	t.Helper()
	m, ok := d.(Modern)
	require.True(t, ok, "expected modern decision, got %T", d)
	return m
}

func legacy(t *testing.T, d Decision) Legacy {
	t.Helper()
	l, ok := d.(Legacy)
	require.True(t, ok, "expected legacy decision, got %T", d)
	return l
}

func fillFor(a Action, ts int64) Fill {
	return Fill{
		RoundID:  a.RoundID,
		Strategy: a.Strategy,
		Leg:      a.Leg,
		Side:     a.Side,
		Shares:   a.Shares,
		Price:    a.LimitPrice,
		TsMs:     ts,
		Reason:   a.Reason,
	}
}

func TestPairArbitrageFiresBothLegs(t *testing.T) {
	s := NewPairArbitrage(DefaultPairArbitrageParams())
	d := modern(t, s.OnTick(tickAt(testRoundStartMs+5000, 0.46, 0.47, 0.48, 0.49), Context{Mode: ModeAuto}))

	require.Len(t, d.Actions, 2)
	up, down := d.Actions[0], d.Actions[1]
	assert.Equal(t, ActionBuyShares, up.Type)
	assert.Equal(t, 1, up.Leg)
	assert.Equal(t, SideUp, up.Side)
	assert.Equal(t, 0.47, up.LimitPrice)
	assert.Equal(t, 250.0, up.Shares)
	assert.Equal(t, "ARBITRAGE: sum=0.9600 <= 0.99 (edge=0.0400) | UP leg", up.Reason)
	assert.Equal(t, 2, down.Leg)
	assert.Equal(t, SideDown, down.Side)
	assert.Equal(t, 0.49, down.LimitPrice)
	assert.Equal(t, "ARBITRAGE: sum=0.9600 <= 0.99 (edge=0.0400) | DOWN leg", down.Reason)
}

func TestPairArbitrageGuards(t *testing.T) {
	s := NewPairArbitrage(DefaultPairArbitrageParams())
	require.NoError(t, s.SetParams(map[string]string{"maxPairsPerRound": "1"}))
	ctx := Context{Mode: ModeAuto}
	ts := testRoundStartMs + 5000

	d := modern(t, s.OnTick(tickAt(ts, 0.46, 0.47, 0.48, 0.49), ctx))
	require.Len(t, d.Actions, 2)

	d = modern(t, s.OnTick(tickAt(ts+500, 0.46, 0.47, 0.48, 0.49), ctx))
	assert.Equal(t, "maxPairsPerRound reached", d.Actions[0].Reason)

	require.NoError(t, s.SetParams(map[string]string{"max_pairs_per_round": "5"}))
	d = modern(t, s.OnTick(tickAt(ts+500, 0.46, 0.47, 0.48, 0.49), ctx))
	assert.Equal(t, "cooldown", d.Actions[0].Reason)

	d = modern(t, s.OnTick(tickAt(ts+2000, 0.49, 0.51, 0.48, 0.50), ctx))
	assert.Equal(t, "Waiting: sumAsk=1.0100 > 0.99", d.Actions[0].Reason)
}

func TestPairArbitrageMinPairCost(t *testing.T) {
	s, err := Build(NamePairArbitrage, map[string]string{"min_pair_cost": "0.9"})
	require.NoError(t, err)
	d := modern(t, s.OnTick(tickAt(testRoundStartMs+5000, 0.39, 0.40, 0.44, 0.45), Context{}))
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ActionNoop, d.Actions[0].Type)
}

func TestOpenLegPairsAfterDislocation(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	ctx := Context{Mode: ModeAuto}
	t0 := testRoundStartMs + 3000

	st := tickAt(t0, 0.39, 0.40, 0.57, 0.58)
	st.Derived.DislocationScore = 0.2
	d := modern(t, s.OnTick(st, ctx))
	require.Len(t, d.Actions, 1)
	leg1 := d.Actions[0]
	require.True(t, leg1.IsBuy())
	assert.Equal(t, 1, leg1.Leg)
	assert.Equal(t, SideUp, leg1.Side)
	assert.Equal(t, 0.40, leg1.LimitPrice)
	s.OnFill(fillFor(leg1, t0))
	assert.Equal(t, PhaseLeg1Open, s.Phase())

	t1 := t0 + 90_000
	st = tickAt(t1, 0.39, 0.41, 0.49, 0.50)
	st.Derived.DislocationScore = 0.7
	d = modern(t, s.OnTick(st, ctx))
	require.Len(t, d.Actions, 1)
	leg2 := d.Actions[0]
	require.True(t, leg2.IsBuy())
	assert.Equal(t, 2, leg2.Leg)
	assert.Equal(t, SideDown, leg2.Side)
	assert.Equal(t, 0.50, leg2.LimitPrice)
	assert.Equal(t, 20.0, leg2.Shares)
	s.OnFill(fillFor(leg2, t1))

	mem := s.Memory()
	require.NotNil(t, mem)
	require.NotNil(t, mem.Leg1)
	require.NotNil(t, mem.Leg2)
	assert.InDelta(t, 0.58, mem.Leg1.OppAskAtEntry, 1e-9)
	assert.InDelta(t, 0.90, mem.Leg2.PairCost, 1e-9)
	assert.Equal(t, 1, mem.PairsCompleted)
	assert.InDelta(t, 81.0, mem.UnpairedExposureAUC, 1e-9)
	assert.InDelta(t, 0.90, mem.BestPairCostSeen, 1e-9)
	assert.Equal(t, PhasePaired, s.Phase())

	d = modern(t, s.OnTick(tickAt(t1+20_000, 0.39, 0.41, 0.49, 0.50), ctx))
	assert.Equal(t, "maxPairsPerRound reached", d.Actions[0].Reason)
}

func TestOpenLegWaitsForEnterDelay(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	d := modern(t, s.OnTick(tickAt(testRoundStartMs+1000, 0.39, 0.40, 0.57, 0.58), Context{}))
	assert.Equal(t, "waiting enterDelaySec (1.0s)", d.Actions[0].Reason)
}

func TestOpenLegRejectsExpensiveLeg1(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	d := modern(t, s.OnTick(tickAt(testRoundStartMs+5000, 0.71, 0.72, 0.73, 0.75), Context{}))
	assert.Equal(t, ActionNoop, d.Actions[0].Type)
	assert.Contains(t, d.Actions[0].Reason, "leg1 ask too high")
}

func TestOpenLegRoundIsolation(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	t0 := testRoundStartMs + 3000
	d := modern(t, s.OnTick(tickAt(t0, 0.39, 0.40, 0.57, 0.58), Context{}))
	s.OnFill(fillFor(d.Actions[0], t0))
	require.NotNil(t, s.Memory().Leg1)

	next := testRoundStartMs + 900_000 + 1000
	s.OnTick(tickAt(next, 0.39, 0.40, 0.57, 0.58), Context{})
	mem := s.Memory()
	assert.Nil(t, mem.Leg1)
	assert.Nil(t, mem.Leg2)
	assert.Zero(t, mem.UnpairedExposureAUC)
	assert.NotEqual(t, d.Actions[0].RoundID, mem.RoundID)

	// fills for the previous round are ignored
	s.OnFill(fillFor(d.Actions[0], next))
	assert.Nil(t, s.Memory().Leg1)
}

func TestOpenLegAbortsNearRoundEnd(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	t0 := testRoundStartMs + 3000
	d := modern(t, s.OnTick(tickAt(t0, 0.39, 0.40, 0.57, 0.58), Context{}))
	s.OnFill(fillFor(d.Actions[0], t0))

	late := testRoundStartMs + 721_000
	d = modern(t, s.OnTick(tickAt(late, 0.39, 0.40, 0.57, 0.58), Context{}))
	assert.Equal(t, "too late to complete pair", d.Actions[0].Reason)
	assert.Equal(t, PhaseAborted, s.Phase())
	assert.NotNil(t, s.Memory().Leg1)
}

func TestOpenLegPausesOnceOnUnpairedBreach(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	ctx := Context{Mode: ModeAuto, AgentEnabled: true}
	t0 := testRoundStartMs + 3000
	d := modern(t, s.OnTick(tickAt(t0, 0.39, 0.40, 0.69, 0.70), ctx))
	s.OnFill(fillFor(d.Actions[0], t0))

	d = modern(t, s.OnTick(tickAt(t0+60_000, 0.39, 0.40, 0.69, 0.70), ctx))
	state := d.State.(OpenLegState)
	assert.Empty(t, d.Control)
	assert.Equal(t, RiskOK, state.Risk.Status)
	assert.Contains(t, state.Risk.Flags, FlagUnpaired)

	d = modern(t, s.OnTick(tickAt(t0+80_000, 0.39, 0.40, 0.69, 0.70), ctx))
	assert.Equal(t, RiskWarn, d.State.(OpenLegState).Risk.Status)

	d = modern(t, s.OnTick(tickAt(t0+121_000, 0.39, 0.40, 0.69, 0.70), ctx))
	state = d.State.(OpenLegState)
	assert.Equal(t, RiskDanger, state.Risk.Status)
	assert.Contains(t, state.Risk.Flags, FlagMaxUnpairedBreach)
	require.Len(t, d.Control, 1)
	assert.Equal(t, ControlPause, d.Control[0].Type)

	d = modern(t, s.OnTick(tickAt(t0+122_000, 0.39, 0.40, 0.69, 0.70), ctx))
	assert.Empty(t, d.Control)
	assert.NotEmpty(t, d.State.(OpenLegState).Suggested)
}

func TestOpenLegNoPauseInHITL(t *testing.T) {
	s := NewOpenLegDislocation(DefaultOpenLegParams())
	ctx := Context{Mode: ModeHITL, AgentEnabled: true}
	t0 := testRoundStartMs + 3000
	d := modern(t, s.OnTick(tickAt(t0, 0.39, 0.40, 0.69, 0.70), ctx))
	s.OnFill(fillFor(d.Actions[0], t0))
	d = modern(t, s.OnTick(tickAt(t0+121_000, 0.39, 0.40, 0.69, 0.70), ctx))
	assert.Empty(t, d.Control)
}

func TestPickFirstLegSide(t *testing.T) {
	st := tickAt(testRoundStartMs+3000, 0.40, 0.45, 0.40, 0.44)
	assert.Equal(t, SideDown, pickFirstLegSide(st, FirstLegCheaperAsk))

	st.Reference.Momentum = 12
	assert.Equal(t, SideUp, pickFirstLegSide(st, FirstLegMomentum))
	st.Reference.Momentum = 0
	assert.Equal(t, SideDown, pickFirstLegSide(st, FirstLegMomentum))

	st.Derived.SpreadUp, st.Derived.DepthImbalanceUp = 0.02, 0.5
	st.Derived.SpreadDown, st.Derived.DepthImbalanceDown = 0.02, 0.5
	assert.Equal(t, SideUp, pickFirstLegSide(st, FirstLegDislocationSide))
	st.Derived.DepthImbalanceDown = 0.1
	assert.Equal(t, SideDown, pickFirstLegSide(st, FirstLegDislocationSide))
}

func TestAutocycleDumpThenHedge(t *testing.T) {
	s := NewAutocycle(DefaultAutocycleParams())
	ctx := Context{}
	start := testRoundStartMs

	l := legacy(t, s.OnTick(tickAt(start+1000, 0.49, 0.50, 0.49, 0.50), ctx))
	assert.Equal(t, "waiting for dump", l.Reason)

	l = legacy(t, s.OnTick(tickAt(start+2000, 0.39, 0.40, 0.59, 0.60), ctx))
	require.Equal(t, LegacyBuyOne, l.Type)
	assert.Equal(t, SideUp, l.Side)
	assert.Equal(t, 1, l.Leg())
	assert.Equal(t, "Leg1: dump 20.0% over ~3s", l.Reason)
	assert.Equal(t, []string{"UNPAIRED_EXPOSURE"}, l.Risk)

	l = legacy(t, s.OnTick(tickAt(start+5000, 0.39, 0.40, 0.49, 0.50), ctx))
	assert.Equal(t, "cooldown", l.Reason)

	l = legacy(t, s.OnTick(tickAt(start+12_100, 0.39, 0.40, 0.59, 0.60), ctx))
	assert.Equal(t, "waiting hedge: sum 1.000 > 0.95", l.Reason)

	l = legacy(t, s.OnTick(tickAt(start+12_200, 0.39, 0.40, 0.49, 0.50), ctx))
	require.Equal(t, LegacyHedge, l.Type)
	assert.Equal(t, SideDown, l.Side)
	assert.Equal(t, 2, l.Leg())
	assert.Equal(t, "Leg2: hedge sum 0.900 <= 0.95", l.Reason)

	l = legacy(t, s.OnTick(tickAt(start+30_000, 0.39, 0.40, 0.49, 0.50), ctx))
	assert.Equal(t, "done for round", l.Reason)
}

func TestAutocycleOutsideWindow(t *testing.T) {
	s := NewAutocycle(DefaultAutocycleParams())
	l := legacy(t, s.OnTick(tickAt(testRoundStartMs+200_000, 0.49, 0.50, 0.49, 0.50), Context{}))
	assert.Equal(t, "outside window", l.Reason)
}

func TestDropPctUsesFirstSampleInsideWindow(t *testing.T) {
	var hist []askSample
	hist = pushAsk(hist, 0, 0.80)
	hist = pushAsk(hist, 4000, 0.50)
	hist = pushAsk(hist, 6000, 0.40)
	assert.InDelta(t, 0.2, dropPct(hist, 6000, 0.40), 1e-9)

	hist = pushAsk(hist, 12_000, 0.40)
	require.Len(t, hist, 3)
	assert.Equal(t, int64(4000), hist[0].ts)
}

func TestStatArbEntryAndConvergence(t *testing.T) {
	s := NewStatArb(DefaultStatArbParams())
	ctx := Context{}
	ts := testRoundStartMs + 10_000

	d := modern(t, s.OnTick(tickAt(ts, 0.50, 0.52, 0.47, 0.49), ctx))
	require.True(t, d.Actions[0].IsBuy())
	assert.Equal(t, SideDown, d.Actions[0].Side)
	assert.Equal(t, 0.49, d.Actions[0].LimitPrice)
	assert.Equal(t, "STAT_ARB: UP expensive (0.5100) vs DOWN (0.4800), spread=6.25% | LONG DOWN", d.Actions[0].Reason)
	assert.Equal(t, PositionLongDownShortUp, d.State.(StatArbState).Position)

	d = modern(t, s.OnTick(tickAt(ts+500, 0.50, 0.52, 0.47, 0.49), ctx))
	assert.Equal(t, "cooldown", d.Actions[0].Reason)

	d = modern(t, s.OnTick(tickAt(ts+600, 0.49, 0.51, 0.49, 0.51), ctx))
	assert.Equal(t, "Converged: spread=0.00%", d.Actions[0].Reason)
	assert.Equal(t, PositionNone, d.State.(StatArbState).Position)
}

func TestStatArbWaitsOutsideBand(t *testing.T) {
	s := NewStatArb(DefaultStatArbParams())
	d := modern(t, s.OnTick(tickAt(testRoundStartMs+10_000, 0.60, 0.62, 0.37, 0.39), Context{}))
	assert.Equal(t, ActionNoop, d.Actions[0].Type)
	assert.Contains(t, d.Actions[0].Reason, "Waiting for spread")
}

func TestSpreadFarmingPrefersUp(t *testing.T) {
	s := NewSpreadFarming(DefaultSpreadFarmingParams())
	ts := testRoundStartMs + 10_000

	d := modern(t, s.OnTick(tickAt(ts, 0.50, 0.52, 0.45, 0.48), Context{}))
	require.True(t, d.Actions[0].IsBuy())
	assert.Equal(t, SideUp, d.Actions[0].Side)
	assert.Equal(t, 0.50, d.Actions[0].LimitPrice)
	assert.Equal(t, "SPREAD_FARM: UP spread=384.6bps >= 5bps | buy@bid=0.5000", d.Actions[0].Reason)

	d = modern(t, s.OnTick(tickAt(ts+1000, 0.52, 0.52, 0.45, 0.48), Context{}))
	assert.Equal(t, SideDown, d.Actions[0].Side)
	assert.Equal(t, 0.45, d.Actions[0].LimitPrice)

	d = modern(t, s.OnTick(tickAt(ts+2000, 0.52, 0.52, 0.48, 0.48), Context{}))
	assert.Equal(t, "No spread opportunity: UP=0.0bps DOWN=0.0bps < 5bps", d.Actions[0].Reason)
}

func TestSpreadFarmingMaxPositions(t *testing.T) {
	s, err := Build(NameSpreadFarming, map[string]string{"max_positions": "1", "cooldown_ms": "0"})
	require.NoError(t, err)
	ts := testRoundStartMs + 10_000
	modern(t, s.OnTick(tickAt(ts, 0.50, 0.52, 0.45, 0.48), Context{}))
	d := modern(t, s.OnTick(tickAt(ts+1, 0.50, 0.52, 0.45, 0.48), Context{}))
	assert.Equal(t, "maxPositions reached", d.Actions[0].Reason)

	s.OnRoundReset("next")
	d = modern(t, s.OnTick(tickAt(ts+2, 0.50, 0.52, 0.45, 0.48), Context{}))
	assert.True(t, d.Actions[0].IsBuy())
}

func TestBuildRegistry(t *testing.T) {
	for _, name := range Names() {
		s, err := Build(name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}

	_, err := Build("martingale", nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = Build(NamePairArbitrage, map[string]string{"max_pair_cost": "abc"})
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = Build(NamePairArbitrage, map[string]string{"leverage": "3"})
	assert.ErrorIs(t, err, ErrUnknownParam)

	s, err := Build(NameOpenLegDislocation, map[string]string{"firstLegMode": "binance_momentum", "maxPairCost": "none"})
	require.NoError(t, err)
	params := s.(ParamReporter).Params()
	assert.Equal(t, "BINANCE_MOMENTUM", params["first_leg_mode"])
	assert.Equal(t, 0.0, params["max_pair_cost"])
}

func TestSetParamsIsAllOrNothing(t *testing.T) {
	s := NewPairArbitrage(DefaultPairArbitrageParams())
	err := s.SetParams(map[string]string{"shares": "10", "max_pair_cost": "-1"})
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Equal(t, 250.0, s.Params()["shares"])
}

func TestResolveLegacyDecisions(t *testing.T) {
	s := tickAt(testRoundStartMs+5000, 0.40, 0.42, 0.55, 0.57)

	both := Resolve(Legacy{Type: LegacyBuyBoth, Shares: 10, Reason: "both"}, s, "x")
	require.Len(t, both.Actions, 2)
	assert.Equal(t, SideUp, both.Actions[0].Side)
	assert.Equal(t, 0.42, both.Actions[0].LimitPrice)
	assert.Equal(t, 2, both.Actions[1].Leg)
	assert.Equal(t, 0.57, both.Actions[1].LimitPrice)
	assert.Equal(t, s.Round.ID, both.Actions[1].RoundID)

	hedge := Resolve(Legacy{Type: LegacyHedge, Side: SideDown, Shares: 20, Reason: "hedge"}, s, NameAutocycle)
	require.Len(t, hedge.Actions, 1)
	assert.Equal(t, 2, hedge.Actions[0].Leg)
	assert.Equal(t, NameAutocycle, hedge.Actions[0].Strategy)

	noop := Resolve(Legacy{Type: LegacyNoop, Reason: "idle"}, s, "x")
	require.Len(t, noop.Actions, 1)
	assert.False(t, noop.Actions[0].IsBuy())
	assert.Equal(t, "idle", noop.Actions[0].Reason)
}
