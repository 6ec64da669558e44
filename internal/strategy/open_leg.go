package strategy

import (
	"fmt"
	"math"
	"strings"

	"pm-arb-bot/internal/fusion"
)

const NameOpenLegDislocation = "open_leg_dislocation_pair"

type FirstLegMode string

const (
	FirstLegCheaperAsk      FirstLegMode = "CHEAPER_ASK"
	FirstLegMomentum        FirstLegMode = "BINANCE_MOMENTUM"
	FirstLegDislocationSide FirstLegMode = "DISLOCATION_SIDE"
)

type OpenLegParams struct {
	Shares                      float64      `json:"shares"`
	EnterDelaySec               float64      `json:"enter_delay_sec"`
	FirstLegMode                FirstLegMode `json:"first_leg_mode"`
	MaxLeg1Cost                 float64      `json:"max_leg1_cost"`
	TargetPairCost              float64      `json:"target_pair_cost"`
	MinPairCost                 float64      `json:"min_pair_cost,omitempty"`
	MaxPairCost                 float64      `json:"max_pair_cost,omitempty"`
	MinDislocationScore         float64      `json:"min_dislocation_score"`
	PriceChangeTriggerPct       float64      `json:"price_change_trigger_pct"`
	MaxWaitForLeg2Sec           float64      `json:"max_wait_for_leg2_sec"`
	AbortIfNoLeg2BySecRemaining int64        `json:"abort_if_no_leg2_by_sec_remaining"`
	CooldownSec                 float64      `json:"cooldown_sec"`
	MaxPairsPerRound            int          `json:"max_pairs_per_round"`
	MaxUnpairedSec              float64      `json:"max_unpaired_sec"`
}

func DefaultOpenLegParams() OpenLegParams {
	return OpenLegParams{
		Shares:                      20,
		EnterDelaySec:               2,
		FirstLegMode:                FirstLegCheaperAsk,
		MaxLeg1Cost:                 0.70,
		TargetPairCost:              0.95,
		MinDislocationScore:         0.60,
		PriceChangeTriggerPct:       0.02,
		MaxWaitForLeg2Sec:           480,
		AbortIfNoLeg2BySecRemaining: 180,
		CooldownSec:                 10,
		MaxPairsPerRound:            1,
		MaxUnpairedSec:              120,
	}
}

type RiskStatus string

const (
	RiskOK     RiskStatus = "OK"
	RiskWarn   RiskStatus = "WARN"
	RiskDanger RiskStatus = "DANGER"
)

const (
	FlagUnpaired          = "UNPAIRED"
	FlagNearTarget        = "NEAR_TARGET"
	FlagBelowTarget       = "BELOW_TARGET"
	FlagMaxUnpairedBreach = "MAX_UNPAIRED_BREACH"
)

type UnpairedRisk struct {
	UnpairedMs          int64      `json:"unpaired_ms"`
	UnpairedSec         float64    `json:"unpaired_sec"`
	MaxUnpairedSec      float64    `json:"max_unpaired_sec"`
	UnpairedExposureAUC float64    `json:"unpaired_exposure_auc"`
	Status              RiskStatus `json:"status"`
	Flags               []string   `json:"flags"`
}

func (r UnpairedRisk) Has(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type OpenLegState struct {
	RoundID           string        `json:"round_id"`
	SecondsRemaining  int64         `json:"seconds_remaining"`
	Phase             Phase         `json:"phase"`
	Params            OpenLegParams `json:"params"`
	Leg1              *LegFill      `json:"leg1"`
	Leg2              *LegFill      `json:"leg2"`
	PairsCompleted    int           `json:"pairs_completed"`
	CombinedAsk       float64       `json:"sum_ask"`
	PairCostIfNow     *float64      `json:"pair_cost_if_paired_now"`
	RequiredOppAsk    *float64      `json:"required_opp_ask"`
	OppMovePct        *float64      `json:"opp_move_pct"`
	BestPairCostSeen  *float64      `json:"best_pair_cost_seen"`
	TimeBelowTargetMs int64         `json:"time_below_target_ms"`
	Risk              UnpairedRisk  `json:"risk"`
	Mode              Mode          `json:"mode"`
	AgentEnabled      bool          `json:"agent_enabled"`
	Suggested         []Control     `json:"suggested_actions,omitempty"`
}

func (OpenLegState) StrategyName() string { return NameOpenLegDislocation }

// OpenLegDislocation opens one leg shortly after the round opens and waits
// for the opposite leg to become cheap enough to complete the pair. Its
// round memory only advances on reported fills.
type OpenLegDislocation struct {
	params      OpenLegParams
	mem         *RoundMemory
	phase       *PhaseMachine
	lastUpAsk   float64
	lastDownAsk float64
	pauseSent   bool
}

func NewOpenLegDislocation(p OpenLegParams) *OpenLegDislocation {
	return &OpenLegDislocation{params: p, phase: NewPhaseMachine()}
}

func (s *OpenLegDislocation) Name() string { return NameOpenLegDislocation }

func (s *OpenLegDislocation) OnRoundReset(roundID string) {
	s.mem = nil
	s.pauseSent = false
	s.phase.Apply(EventRoundReset)
}

// Memory returns a copy of the current round memory, or nil before the
// first tick of a round.
func (s *OpenLegDislocation) Memory() *RoundMemory {
	if s.mem == nil {
		return nil
	}
	cp := *s.mem
	return &cp
}

func (s *OpenLegDislocation) Phase() Phase {
	return s.phase.Current()
}

func (s *OpenLegDislocation) OnFill(f Fill) {
	if s.mem == nil || f.RoundID != s.mem.RoundID {
		return
	}
	opp := s.lastUpAsk
	if f.Side == SideUp {
		opp = s.lastDownAsk
	}
	if !s.mem.RecordFill(f, opp) {
		return
	}
	if f.Leg == 1 {
		s.phase.Apply(EventLeg1Filled)
	} else {
		s.phase.Apply(EventLeg2Filled)
	}
}

func (s *OpenLegDislocation) OnTick(st fusion.State, ctx Context) Decision {
	s.lastUpAsk = st.Up.Ask
	s.lastDownAsk = st.Down.Ask
	if s.mem == nil || s.mem.RoundID != st.Round.ID {
		s.OnRoundReset(st.Round.ID)
		s.mem = NewRoundMemory(st.Round.ID, st.Round.StartMs, st.Ts)
	}
	if s.mem.Unpaired() {
		s.mem.Integrate(st.Ts, quoteFor(st, s.mem.Leg1.Side.Opposite()).Ask, s.params.TargetPairCost)
	} else {
		s.mem.Integrate(st.Ts, 0, s.params.TargetPairCost)
	}

	risk := s.computeRisk(st.Ts)
	var control []Control
	var suggested []Control
	if risk.Has(FlagMaxUnpairedBreach) && ctx.AgentEnabled {
		pause := Control{
			Type:   ControlPause,
			Reason: fmt.Sprintf("Unpaired exposure exceeded maxUnpairedSec=%vs", s.params.MaxUnpairedSec),
		}
		suggested = append(suggested, pause)
		if ctx.Mode == ModeAuto && !s.pauseSent {
			s.pauseSent = true
			control = append(control, Control{
				Type:   ControlPause,
				Reason: "Auto-paused due to MAX_UNPAIRED_BREACH",
			})
		}
	}

	action := s.decide(st)
	debug := s.debug(st, ctx, risk, suggested)
	return Modern{State: debug, Actions: []Action{action}, Control: control}
}

func (s *OpenLegDislocation) decide(st fusion.State) Action {
	p := s.params
	m := s.mem
	if m.PairsCompleted >= p.MaxPairsPerRound {
		return Noop("maxPairsPerRound reached")
	}
	if m.LastActionMs > 0 && float64(st.Ts-m.LastActionMs) < p.CooldownSec*1000 {
		return Noop("cooldown")
	}
	if m.Unpaired() && st.Round.SecondsRemaining <= p.AbortIfNoLeg2BySecRemaining {
		s.phase.Apply(EventAbort)
		return Noop("too late to complete pair")
	}

	if m.Leg1 == nil {
		if st.Round.SecondsRemaining <= p.AbortIfNoLeg2BySecRemaining {
			return Noop("too late to open leg1")
		}
		sinceOpen := float64(st.Ts-m.RoundStartMs) / 1000
		if sinceOpen < p.EnterDelaySec {
			return Noop(fmt.Sprintf("waiting enterDelaySec (%.1fs)", sinceOpen))
		}
		s.phase.Apply(EventWindowOpen)
		side := pickFirstLegSide(st, p.FirstLegMode)
		ask := quoteFor(st, side).Ask
		if ask > p.MaxLeg1Cost {
			return Noop(fmt.Sprintf("leg1 ask too high (%.3f > %v)", ask, p.MaxLeg1Cost))
		}
		m.LastActionMs = st.Ts
		return Action{
			Type:       ActionBuyShares,
			Leg:        1,
			Side:       side,
			Shares:     p.Shares,
			LimitPrice: ask,
			Reason:     fmt.Sprintf("Leg1 entered %s @%.3f after open (%s)", side, ask, p.FirstLegMode),
			Strategy:   NameOpenLegDislocation,
			RoundID:    st.Round.ID,
		}
	}

	if m.Leg2 != nil {
		return Noop("paired holding until settlement")
	}

	waited := float64(st.Ts-m.Leg1.EntryTs) / 1000
	if waited > p.MaxWaitForLeg2Sec {
		s.phase.Apply(EventAbort)
		return Noop(fmt.Sprintf("maxWaitForLeg2Sec exceeded (%.0fs)", waited))
	}

	opp := m.Leg1.Side.Opposite()
	oppAsk := quoteFor(st, opp).Ask
	cost := m.Leg1.EntryPrice + oppAsk
	score := st.Derived.DislocationScore
	withinBounds := cost <= p.TargetPairCost &&
		(p.MaxPairCost <= 0 || cost <= p.MaxPairCost) &&
		(p.MinPairCost <= 0 || cost >= p.MinPairCost)
	moved := oppMove(m.Leg1.OppAskAtEntry, oppAsk) >= p.PriceChangeTriggerPct
	dislocationOk := withinBounds && score >= p.MinDislocationScore

	if !dislocationOk && !(moved && withinBounds) {
		return Noop(fmt.Sprintf("waiting Leg2: pairCost=%.3f disloc=%.2f moved=%t", cost, score, moved))
	}
	m.LastActionMs = st.Ts
	reason := fmt.Sprintf("Leg2 paired %s @%.3f | pairCost=%.3f | dislocation=%.2f | moved=%t",
		opp, oppAsk, cost, score, moved)
	return Action{
		Type:       ActionBuyShares,
		Leg:        2,
		Side:       opp,
		Shares:     m.Leg1.Shares,
		LimitPrice: oppAsk,
		Reason:     reason,
		Strategy:   NameOpenLegDislocation,
		RoundID:    st.Round.ID,
	}
}

// oppMove is the absolute relative change of the opposite ask since leg 1.
func oppMove(atEntry, now float64) float64 {
	if atEntry <= 0 {
		return 0
	}
	return math.Abs(now-atEntry) / atEntry
}

func pickFirstLegSide(st fusion.State, mode FirstLegMode) Side {
	cheaper := SideUp
	if st.Up.Ask > st.Down.Ask {
		cheaper = SideDown
	}
	switch mode {
	case FirstLegMomentum:
		switch {
		case st.Reference.Momentum > 0:
			return SideUp
		case st.Reference.Momentum < 0:
			return SideDown
		}
		return cheaper
	case FirstLegDislocationSide:
		upScore := st.Derived.SpreadUp + (1 - st.Derived.DepthImbalanceUp)
		downScore := st.Derived.SpreadDown + (1 - st.Derived.DepthImbalanceDown)
		if upScore >= downScore {
			return SideUp
		}
		return SideDown
	}
	return cheaper
}

func (s *OpenLegDislocation) computeRisk(ts int64) UnpairedRisk {
	m := s.mem
	r := UnpairedRisk{
		MaxUnpairedSec:      s.params.MaxUnpairedSec,
		UnpairedExposureAUC: m.UnpairedExposureAUC,
		Status:              RiskOK,
		Flags:               []string{},
	}
	if !m.Unpaired() {
		return r
	}
	if ts > m.Leg1.EntryTs {
		r.UnpairedMs = ts - m.Leg1.EntryTs
	}
	r.UnpairedSec = float64(r.UnpairedMs) / 1000
	r.Flags = append(r.Flags, FlagUnpaired)
	if m.HasPairCostIfNow {
		gap := m.LastPairCostIfNow - s.params.TargetPairCost
		if gap <= 0.005 {
			r.Flags = append(r.Flags, FlagNearTarget)
		}
		if gap <= 0 {
			r.Flags = append(r.Flags, FlagBelowTarget)
		}
	}
	switch {
	case r.UnpairedSec > s.params.MaxUnpairedSec:
		r.Flags = append(r.Flags, FlagMaxUnpairedBreach)
		r.Status = RiskDanger
	case r.UnpairedSec > s.params.MaxUnpairedSec*0.6:
		r.Status = RiskWarn
	}
	return r
}

func (s *OpenLegDislocation) debug(st fusion.State, ctx Context, risk UnpairedRisk, suggested []Control) OpenLegState {
	m := s.mem
	out := OpenLegState{
		RoundID:           m.RoundID,
		SecondsRemaining:  st.Round.SecondsRemaining,
		Phase:             s.phase.Current(),
		Params:            s.params,
		PairsCompleted:    m.PairsCompleted,
		CombinedAsk:       st.Derived.CombinedAsk,
		TimeBelowTargetMs: m.TimeBelowTargetAt(st.Ts),
		Risk:              risk,
		Mode:              ctx.Mode,
		AgentEnabled:      ctx.AgentEnabled,
		Suggested:         suggested,
	}
	if m.Leg1 != nil {
		leg1 := *m.Leg1
		out.Leg1 = &leg1
	}
	if m.Leg2 != nil {
		leg2 := *m.Leg2
		out.Leg2 = &leg2
	}
	if m.HasBestPairCost {
		best := m.BestPairCostSeen
		out.BestPairCostSeen = &best
	}
	if m.Unpaired() {
		oppAsk := quoteFor(st, m.Leg1.Side.Opposite()).Ask
		cost := m.Leg1.EntryPrice + oppAsk
		required := s.params.TargetPairCost - m.Leg1.EntryPrice
		move := oppMove(m.Leg1.OppAskAtEntry, oppAsk)
		out.PairCostIfNow = &cost
		out.RequiredOppAsk = &required
		out.OppMovePct = &move
	}
	return out
}

func (s *OpenLegDislocation) SetParams(params map[string]string) error {
	next := s.params
	for key, val := range params {
		var err error
		switch normalizeKey(key) {
		case "shares":
			next.Shares, err = parseFloat(key, val)
		case "enterdelaysec":
			next.EnterDelaySec, err = parseFloat(key, val)
		case "firstlegmode":
			next.FirstLegMode, err = parseFirstLegMode(key, val)
		case "maxleg1cost":
			next.MaxLeg1Cost, err = parseFloat(key, val)
		case "targetpaircost", "pairtarget":
			next.TargetPairCost, err = parseFloat(key, val)
		case "minpaircost":
			next.MinPairCost, err = parseOptionalFloat(key, val)
		case "maxpaircost":
			next.MaxPairCost, err = parseOptionalFloat(key, val)
		case "mindislocationscore":
			next.MinDislocationScore, err = parseFloat(key, val)
		case "pricechangetriggerpct":
			next.PriceChangeTriggerPct, err = parseFloat(key, val)
		case "maxwaitforleg2sec":
			next.MaxWaitForLeg2Sec, err = parseFloat(key, val)
		case "abortifnoleg2bysecremaining":
			next.AbortIfNoLeg2BySecRemaining, err = parseInt64(key, val)
		case "cooldownsec":
			next.CooldownSec, err = parseFloat(key, val)
		case "maxpairsperround":
			next.MaxPairsPerRound, err = parseInt(key, val)
		case "maxunpairedsec":
			next.MaxUnpairedSec, err = parseFloat(key, val)
		default:
			err = unknownParam(key)
		}
		if err != nil {
			return err
		}
	}
	if err := next.validate(); err != nil {
		return err
	}
	s.params = next
	return nil
}

func parseFirstLegMode(key, val string) (FirstLegMode, error) {
	mode := FirstLegMode(strings.ToUpper(strings.TrimSpace(val)))
	switch mode {
	case FirstLegCheaperAsk, FirstLegMomentum, FirstLegDislocationSide:
		return mode, nil
	}
	return "", fmt.Errorf("%w: %s=%q", ErrInvalidParam, key, val)
}

func (p OpenLegParams) validate() error {
	checks := []struct {
		key      string
		v        float64
		positive bool
	}{
		{"shares", p.Shares, true},
		{"enter_delay_sec", p.EnterDelaySec, false},
		{"max_leg1_cost", p.MaxLeg1Cost, true},
		{"target_pair_cost", p.TargetPairCost, true},
		{"min_pair_cost", p.MinPairCost, false},
		{"max_pair_cost", p.MaxPairCost, false},
		{"min_dislocation_score", p.MinDislocationScore, false},
		{"price_change_trigger_pct", p.PriceChangeTriggerPct, false},
		{"max_wait_for_leg2_sec", p.MaxWaitForLeg2Sec, true},
		{"abort_if_no_leg2_by_sec_remaining", float64(p.AbortIfNoLeg2BySecRemaining), false},
		{"cooldown_sec", p.CooldownSec, false},
		{"max_pairs_per_round", float64(p.MaxPairsPerRound), true},
		{"max_unpaired_sec", p.MaxUnpairedSec, true},
	}
	for _, c := range checks {
		check := requireNonNegative
		if c.positive {
			check = requirePositive
		}
		if err := check(c.key, c.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpenLegDislocation) Params() map[string]any {
	p := s.params
	return map[string]any{
		"shares":                            p.Shares,
		"enter_delay_sec":                   p.EnterDelaySec,
		"first_leg_mode":                    string(p.FirstLegMode),
		"max_leg1_cost":                     p.MaxLeg1Cost,
		"target_pair_cost":                  p.TargetPairCost,
		"min_pair_cost":                     p.MinPairCost,
		"max_pair_cost":                     p.MaxPairCost,
		"min_dislocation_score":             p.MinDislocationScore,
		"price_change_trigger_pct":          p.PriceChangeTriggerPct,
		"max_wait_for_leg2_sec":             p.MaxWaitForLeg2Sec,
		"abort_if_no_leg2_by_sec_remaining": p.AbortIfNoLeg2BySecRemaining,
		"cooldown_sec":                      p.CooldownSec,
		"max_pairs_per_round":               p.MaxPairsPerRound,
		"max_unpaired_sec":                  p.MaxUnpairedSec,
	}
}
