package strategy

import (
	"fmt"
	"math"

	"pm-arb-bot/internal/fusion"
)

const NameStatArb = "statistical_arbitrage"

type StatPosition string

const (
	PositionNone            StatPosition = "NONE"
	PositionLongUpShortDown StatPosition = "LONG_UP_SHORT_DOWN"
	PositionLongDownShortUp StatPosition = "LONG_DOWN_SHORT_UP"
)

type StatArbParams struct {
	MinSpreadPct         float64 `json:"min_spread_pct"`
	MaxSpreadPct         float64 `json:"max_spread_pct"`
	Shares               float64 `json:"shares"`
	ConvergenceThreshold float64 `json:"convergence_threshold"`
	CooldownMs           int64   `json:"cooldown_ms"`
}

func DefaultStatArbParams() StatArbParams {
	return StatArbParams{
		MinSpreadPct:         0.04,
		MaxSpreadPct:         0.07,
		Shares:               200,
		ConvergenceThreshold: 0.01,
		CooldownMs:           2000,
	}
}

type StatArbState struct {
	RoundID   string       `json:"round_id"`
	Position  StatPosition `json:"position"`
	MidUp     float64      `json:"mid_up"`
	MidDown   float64      `json:"mid_down"`
	SpreadPct float64      `json:"spread_pct"`
}

func (StatArbState) StrategyName() string { return NameStatArb }

// StatArb trades the gap between the two outcome mids: it buys the cheaper
// leg when the gap widens into the entry band and flattens its view once the
// mids converge.
type StatArb struct {
	params       StatArbParams
	roundID      string
	position     StatPosition
	lastActionMs int64
}

func NewStatArb(p StatArbParams) *StatArb {
	return &StatArb{params: p, position: PositionNone}
}

func (s *StatArb) Name() string { return NameStatArb }

func (s *StatArb) OnRoundReset(roundID string) {
	s.roundID = roundID
	s.position = PositionNone
	s.lastActionMs = 0
}

func (s *StatArb) OnTick(st fusion.State, _ Context) Decision {
	if st.Round.ID != s.roundID {
		s.OnRoundReset(st.Round.ID)
	}
	p := s.params
	upMid := st.Up.Mid()
	downMid := st.Down.Mid()
	spread := math.Abs(upMid-downMid) / math.Max(0.01, math.Min(upMid, downMid))
	debug := func() StatArbState {
		return StatArbState{
			RoundID:   s.roundID,
			Position:  s.position,
			MidUp:     upMid,
			MidDown:   downMid,
			SpreadPct: spread,
		}
	}

	// convergence closes the view even inside the cooldown
	if s.position != PositionNone && spread <= p.ConvergenceThreshold {
		s.position = PositionNone
		s.lastActionMs = st.Ts
		return noopDecision(debug(), fmt.Sprintf("Converged: spread=%.2f%%", spread*100))
	}
	if s.lastActionMs > 0 && st.Ts-s.lastActionMs < p.CooldownMs {
		return noopDecision(debug(), "cooldown")
	}
	if s.position != PositionNone {
		return noopDecision(debug(), fmt.Sprintf("Holding: spread=%.2f%%", spread*100))
	}
	if spread < p.MinSpreadPct || spread > p.MaxSpreadPct {
		return noopDecision(debug(), fmt.Sprintf("Waiting for spread: %.2f%%", spread*100))
	}

	action := Action{
		Type:     ActionBuyShares,
		Leg:      1,
		Shares:   p.Shares,
		Strategy: NameStatArb,
		RoundID:  st.Round.ID,
	}
	if upMid > downMid {
		s.position = PositionLongDownShortUp
		action.Side = SideDown
		action.LimitPrice = st.Down.Ask
		action.Reason = fmt.Sprintf("STAT_ARB: UP expensive (%.4f) vs DOWN (%.4f), spread=%.2f%% | LONG DOWN",
			upMid, downMid, spread*100)
	} else {
		s.position = PositionLongUpShortDown
		action.Side = SideUp
		action.LimitPrice = st.Up.Ask
		action.Reason = fmt.Sprintf("STAT_ARB: DOWN expensive (%.4f) vs UP (%.4f), spread=%.2f%% | LONG UP",
			downMid, upMid, spread*100)
	}
	s.lastActionMs = st.Ts
	return Modern{State: debug(), Actions: []Action{action}}
}

func (s *StatArb) SetParams(params map[string]string) error {
	next := s.params
	for key, val := range params {
		var err error
		switch normalizeKey(key) {
		case "minspreadpct":
			next.MinSpreadPct, err = parseFloat(key, val)
		case "maxspreadpct":
			next.MaxSpreadPct, err = parseFloat(key, val)
		case "shares":
			next.Shares, err = parseFloat(key, val)
		case "convergencethreshold":
			next.ConvergenceThreshold, err = parseFloat(key, val)
		case "cooldownms":
			next.CooldownMs, err = parseInt64(key, val)
		default:
			err = unknownParam(key)
		}
		if err != nil {
			return err
		}
	}
	if err := requirePositive("shares", next.Shares); err != nil {
		return err
	}
	if err := requireNonNegative("min_spread_pct", next.MinSpreadPct); err != nil {
		return err
	}
	if next.MaxSpreadPct < next.MinSpreadPct {
		return fmt.Errorf("%w: max_spread_pct must be >= min_spread_pct", ErrInvalidParam)
	}
	if err := requireNonNegative("convergence_threshold", next.ConvergenceThreshold); err != nil {
		return err
	}
	if err := requireNonNegative("cooldown_ms", float64(next.CooldownMs)); err != nil {
		return err
	}
	s.params = next
	return nil
}

func (s *StatArb) Params() map[string]any {
	return map[string]any{
		"min_spread_pct":        s.params.MinSpreadPct,
		"max_spread_pct":        s.params.MaxSpreadPct,
		"shares":                s.params.Shares,
		"convergence_threshold": s.params.ConvergenceThreshold,
		"cooldown_ms":           s.params.CooldownMs,
	}
}
