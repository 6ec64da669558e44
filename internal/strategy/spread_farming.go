package strategy

import (
	"fmt"

	"pm-arb-bot/internal/fusion"
)

const NameSpreadFarming = "spread_farming"

type SpreadFarmingParams struct {
	MinSpreadBps float64 `json:"min_spread_bps"`
	Shares       float64 `json:"shares"`
	MaxPositions int     `json:"max_positions"`
	CooldownMs   int64   `json:"cooldown_ms"`
}

func DefaultSpreadFarmingParams() SpreadFarmingParams {
	return SpreadFarmingParams{
		MinSpreadBps: 5,
		Shares:       100,
		MaxPositions: 20,
		CooldownMs:   500,
	}
}

type SpreadFarmingState struct {
	RoundID       string  `json:"round_id"`
	Positions     int     `json:"positions"`
	MaxPositions  int     `json:"max_positions"`
	UpSpreadBps   float64 `json:"up_spread_bps"`
	DownSpreadBps float64 `json:"down_spread_bps"`
	Side          Side    `json:"side,omitempty"`
}

func (SpreadFarmingState) StrategyName() string { return NameSpreadFarming }

// SpreadFarming rests a buy at the bid of whichever leg shows a wide spread.
type SpreadFarming struct {
	params       SpreadFarmingParams
	roundID      string
	positions    int
	lastActionMs int64
}

func NewSpreadFarming(p SpreadFarmingParams) *SpreadFarming {
	return &SpreadFarming{params: p}
}

func (s *SpreadFarming) Name() string { return NameSpreadFarming }

func (s *SpreadFarming) OnRoundReset(roundID string) {
	s.roundID = roundID
	s.positions = 0
	s.lastActionMs = 0
}

func (s *SpreadFarming) OnTick(st fusion.State, _ Context) Decision {
	if st.Round.ID != s.roundID {
		s.OnRoundReset(st.Round.ID)
	}
	p := s.params
	upBps := spreadBps(st.Up)
	downBps := spreadBps(st.Down)
	debug := SpreadFarmingState{
		RoundID:       s.roundID,
		Positions:     s.positions,
		MaxPositions:  p.MaxPositions,
		UpSpreadBps:   upBps,
		DownSpreadBps: downBps,
	}
	if s.positions >= p.MaxPositions {
		return noopDecision(debug, "maxPositions reached")
	}
	if s.lastActionMs > 0 && st.Ts-s.lastActionMs < p.CooldownMs {
		return noopDecision(debug, "cooldown")
	}

	var side Side
	var bps float64
	switch {
	case upBps >= p.MinSpreadBps:
		side, bps = SideUp, upBps
	case downBps >= p.MinSpreadBps:
		side, bps = SideDown, downBps
	default:
		return noopDecision(debug, fmt.Sprintf("No spread opportunity: UP=%.1fbps DOWN=%.1fbps < %vbps",
			upBps, downBps, p.MinSpreadBps))
	}
	bid := quoteFor(st, side).Bid
	s.positions++
	s.lastActionMs = st.Ts
	debug.Positions = s.positions
	debug.Side = side
	return Modern{
		State: debug,
		Actions: []Action{{
			Type:       ActionBuyShares,
			Leg:        1,
			Side:       side,
			Shares:     p.Shares,
			LimitPrice: bid,
			Reason:     fmt.Sprintf("SPREAD_FARM: %s spread=%.1fbps >= %vbps | buy@bid=%.4f", side, bps, p.MinSpreadBps, bid),
			Strategy:   NameSpreadFarming,
			RoundID:    st.Round.ID,
		}},
	}
}

func spreadBps(q fusion.LegQuote) float64 {
	if q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Ask * 10_000
}

func (s *SpreadFarming) SetParams(params map[string]string) error {
	next := s.params
	for key, val := range params {
		var err error
		switch normalizeKey(key) {
		case "minspreadbps":
			next.MinSpreadBps, err = parseFloat(key, val)
		case "shares":
			next.Shares, err = parseFloat(key, val)
		case "maxpositions":
			next.MaxPositions, err = parseInt(key, val)
		case "cooldownms":
			next.CooldownMs, err = parseInt64(key, val)
		default:
			err = unknownParam(key)
		}
		if err != nil {
			return err
		}
	}
	if err := requireNonNegative("min_spread_bps", next.MinSpreadBps); err != nil {
		return err
	}
	if err := requirePositive("shares", next.Shares); err != nil {
		return err
	}
	if err := requirePositive("max_positions", float64(next.MaxPositions)); err != nil {
		return err
	}
	if err := requireNonNegative("cooldown_ms", float64(next.CooldownMs)); err != nil {
		return err
	}
	s.params = next
	return nil
}

func (s *SpreadFarming) Params() map[string]any {
	return map[string]any{
		"min_spread_bps": s.params.MinSpreadBps,
		"shares":         s.params.Shares,
		"max_positions":  s.params.MaxPositions,
		"cooldown_ms":    s.params.CooldownMs,
	}
}
