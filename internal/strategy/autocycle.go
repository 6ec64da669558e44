package strategy

import (
	"fmt"

	"pm-arb-bot/internal/fusion"
)

const NameAutocycle = "autocycle_dump_hedge"

const (
	askHistoryMs = 10_000
	dumpWindowMs = 3_000
)

type AutocycleParams struct {
	Shares      float64 `json:"shares"`
	SumTarget   float64 `json:"sum_target"`
	MovePct     float64 `json:"move_pct"`
	WindowMin   float64 `json:"window_min"`
	CooldownSec float64 `json:"cooldown_sec"`
}

func DefaultAutocycleParams() AutocycleParams {
	return AutocycleParams{
		Shares:      20,
		SumTarget:   0.95,
		MovePct:     0.15,
		WindowMin:   2,
		CooldownSec: 10,
	}
}

type AutocycleState struct {
	RoundID  string  `json:"round_id"`
	Phase    Phase   `json:"phase"`
	Leg1Side Side    `json:"leg1_side,omitempty"`
	Entry    float64 `json:"entry,omitempty"`
	EntryTs  int64   `json:"entry_ts,omitempty"`
	Hedge    float64 `json:"hedge,omitempty"`
	UpDrop   float64 `json:"up_drop"`
	DownDrop float64 `json:"down_drop"`
}

func (AutocycleState) StrategyName() string { return NameAutocycle }

type askSample struct {
	ts  int64
	ask float64
}

// Autocycle buys the leg that just dumped early in the round and hedges the
// other leg once the pair sum drops under the target.
type Autocycle struct {
	params       AutocycleParams
	roundID      string
	phase        *PhaseMachine
	leg1Side     Side
	entry        float64
	entryTs      int64
	hedge        float64
	upHist       []askSample
	downHist     []askSample
	lastActionMs int64
}

func NewAutocycle(p AutocycleParams) *Autocycle {
	return &Autocycle{params: p, phase: NewPhaseMachine()}
}

func (s *Autocycle) Name() string { return NameAutocycle }

func (s *Autocycle) OnRoundReset(roundID string) {
	s.roundID = roundID
	s.phase.Apply(EventRoundReset)
	s.leg1Side = ""
	s.entry = 0
	s.entryTs = 0
	s.hedge = 0
	s.upHist = s.upHist[:0]
	s.downHist = s.downHist[:0]
}

func (s *Autocycle) OnTick(st fusion.State, _ Context) Decision {
	if st.Round.ID != s.roundID {
		s.OnRoundReset(st.Round.ID)
	}
	now := st.Ts
	p := s.params
	s.upHist = pushAsk(s.upHist, now, st.Up.Ask)
	s.downHist = pushAsk(s.downHist, now, st.Down.Ask)
	upDrop := dropPct(s.upHist, now, st.Up.Ask)
	downDrop := dropPct(s.downHist, now, st.Down.Ask)

	noop := func(reason string, risk ...string) Legacy {
		return Legacy{
			Type:   LegacyNoop,
			Reason: reason,
			Risk:   append([]string{}, risk...),
			State:  s.debug(upDrop, downDrop),
		}
	}

	if s.lastActionMs > 0 && float64(now-s.lastActionMs) < p.CooldownSec*1000 {
		return noop("cooldown")
	}

	switch s.phase.Current() {
	case PhaseArmed, PhaseWaitingForLeg1:
		inWindow := st.Round.SecondsRemaining >= int64(900-p.WindowMin*60)
		if !inWindow {
			return noop("outside window")
		}
		s.phase.Apply(EventWindowOpen)
		if upDrop < p.MovePct && downDrop < p.MovePct {
			return noop("waiting for dump")
		}
		side, drop := SideUp, upDrop
		if downDrop > upDrop {
			side, drop = SideDown, downDrop
		}
		s.leg1Side = side
		s.entry = quoteFor(st, side).Ask
		s.entryTs = now
		s.lastActionMs = now
		s.phase.Apply(EventLeg1Filled)
		return Legacy{
			Type:       LegacyBuyOne,
			Side:       side,
			Shares:     p.Shares,
			Tier:       1,
			Confidence: 0.8,
			Reason:     fmt.Sprintf("Leg1: dump %.1f%% over ~3s", drop*100),
			Risk:       []string{"UNPAIRED_EXPOSURE"},
			State:      s.debug(upDrop, downDrop),
		}
	case PhaseLeg1Open:
		opp := s.leg1Side.Opposite()
		oppAsk := quoteFor(st, opp).Ask
		sum := s.entry + oppAsk
		if sum > p.SumTarget {
			return noop(fmt.Sprintf("waiting hedge: sum %.3f > %v", sum, p.SumTarget), "UNPAIRED_EXPOSURE")
		}
		s.hedge = oppAsk
		s.lastActionMs = now
		s.phase.Apply(EventLeg2Filled)
		return Legacy{
			Type:       LegacyHedge,
			Side:       opp,
			Shares:     p.Shares,
			Tier:       1,
			Confidence: 0.9,
			Reason:     fmt.Sprintf("Leg2: hedge sum %.3f <= %v", sum, p.SumTarget),
			Risk:       []string{},
			State:      s.debug(upDrop, downDrop),
		}
	}
	return noop("done for round")
}

func (s *Autocycle) debug(upDrop, downDrop float64) AutocycleState {
	return AutocycleState{
		RoundID:  s.roundID,
		Phase:    s.phase.Current(),
		Leg1Side: s.leg1Side,
		Entry:    s.entry,
		EntryTs:  s.entryTs,
		Hedge:    s.hedge,
		UpDrop:   upDrop,
		DownDrop: downDrop,
	}
}

func pushAsk(hist []askSample, ts int64, ask float64) []askSample {
	hist = append(hist, askSample{ts: ts, ask: ask})
	cutoff := ts - askHistoryMs
	i := 0
	for i < len(hist) && hist[i].ts < cutoff {
		i++
	}
	return hist[i:]
}

// dropPct compares the current ask against the first sample inside the
// dump window, falling back to the oldest sample kept.
func dropPct(hist []askSample, now int64, ask float64) float64 {
	if len(hist) == 0 {
		return 0
	}
	older := hist[0]
	cutoff := now - dumpWindowMs
	for _, sample := range hist {
		if sample.ts >= cutoff {
			older = sample
			break
		}
	}
	if older.ask <= 0 {
		return 0
	}
	return (older.ask - ask) / older.ask
}

func (s *Autocycle) SetParams(params map[string]string) error {
	next := s.params
	for key, val := range params {
		var err error
		switch normalizeKey(key) {
		case "shares":
			next.Shares, err = parseFloat(key, val)
		case "sumtarget":
			next.SumTarget, err = parseFloat(key, val)
		case "movepct":
			next.MovePct, err = parseFloat(key, val)
		case "windowmin":
			next.WindowMin, err = parseFloat(key, val)
		case "cooldownsec":
			next.CooldownSec, err = parseFloat(key, val)
		default:
			err = unknownParam(key)
		}
		if err != nil {
			return err
		}
	}
	for key, v := range map[string]float64{
		"shares":     next.Shares,
		"sum_target": next.SumTarget,
		"move_pct":   next.MovePct,
		"window_min": next.WindowMin,
	} {
		if err := requirePositive(key, v); err != nil {
			return err
		}
	}
	if err := requireNonNegative("cooldown_sec", next.CooldownSec); err != nil {
		return err
	}
	s.params = next
	return nil
}

func (s *Autocycle) Params() map[string]any {
	return map[string]any{
		"shares":       s.params.Shares,
		"sum_target":   s.params.SumTarget,
		"move_pct":     s.params.MovePct,
		"window_min":   s.params.WindowMin,
		"cooldown_sec": s.params.CooldownSec,
	}
}
