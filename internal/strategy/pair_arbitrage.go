package strategy

import (
	"fmt"

	"pm-arb-bot/internal/fusion"
)

const NamePairArbitrage = "pair_arbitrage"

type PairArbitrageParams struct {
	MaxPairCost      float64 `json:"max_pair_cost"`
	MinPairCost      float64 `json:"min_pair_cost,omitempty"`
	Shares           float64 `json:"shares"`
	CooldownMs       int64   `json:"cooldown_ms"`
	MaxPairsPerRound int     `json:"max_pairs_per_round"`
}

func DefaultPairArbitrageParams() PairArbitrageParams {
	return PairArbitrageParams{
		MaxPairCost:      0.99,
		Shares:           250,
		CooldownMs:       1000,
		MaxPairsPerRound: 10,
	}
}

type PairArbitrageState struct {
	RoundID      string  `json:"round_id"`
	PairsOpened  int     `json:"pairs_opened"`
	LastActionMs int64   `json:"last_action_ms"`
	CombinedAsk  float64 `json:"combined_ask"`
	Edge         float64 `json:"edge"`
}

func (PairArbitrageState) StrategyName() string { return NamePairArbitrage }

// PairArbitrage buys both legs whenever the combined ask sits at or below
// the configured pair cost.
type PairArbitrage struct {
	params       PairArbitrageParams
	roundID      string
	pairsOpened  int
	lastActionMs int64
}

func NewPairArbitrage(p PairArbitrageParams) *PairArbitrage {
	return &PairArbitrage{params: p}
}

func (s *PairArbitrage) Name() string { return NamePairArbitrage }

func (s *PairArbitrage) OnRoundReset(roundID string) {
	s.roundID = roundID
	s.pairsOpened = 0
	s.lastActionMs = 0
}

func (s *PairArbitrage) OnTick(st fusion.State, _ Context) Decision {
	if st.Round.ID != s.roundID {
		s.OnRoundReset(st.Round.ID)
	}
	sum := st.Derived.CombinedAsk
	debug := s.debug(sum)
	if s.pairsOpened >= s.params.MaxPairsPerRound {
		return noopDecision(debug, "maxPairsPerRound reached")
	}
	if s.lastActionMs > 0 && st.Ts-s.lastActionMs < s.params.CooldownMs {
		return noopDecision(debug, "cooldown")
	}
	p := s.params
	if sum > p.MaxPairCost {
		return noopDecision(debug, fmt.Sprintf("Waiting: sumAsk=%.4f > %v", sum, p.MaxPairCost))
	}
	if p.MinPairCost > 0 && sum < p.MinPairCost {
		return noopDecision(debug, fmt.Sprintf("Waiting: sumAsk=%.4f < min %v", sum, p.MinPairCost))
	}
	reason := fmt.Sprintf("ARBITRAGE: sum=%.4f <= %v (edge=%.4f)", sum, p.MaxPairCost, 1-sum)
	s.pairsOpened++
	s.lastActionMs = st.Ts
	return Modern{
		State: s.debug(sum),
		Actions: []Action{
			{
				Type:       ActionBuyShares,
				Leg:        1,
				Side:       SideUp,
				Shares:     p.Shares,
				LimitPrice: st.Up.Ask,
				Reason:     reason + " | UP leg",
				Strategy:   NamePairArbitrage,
				RoundID:    st.Round.ID,
			},
			{
				Type:       ActionBuyShares,
				Leg:        2,
				Side:       SideDown,
				Shares:     p.Shares,
				LimitPrice: st.Down.Ask,
				Reason:     reason + " | DOWN leg",
				Strategy:   NamePairArbitrage,
				RoundID:    st.Round.ID,
			},
		},
	}
}

func (s *PairArbitrage) debug(sum float64) PairArbitrageState {
	return PairArbitrageState{
		RoundID:      s.roundID,
		PairsOpened:  s.pairsOpened,
		LastActionMs: s.lastActionMs,
		CombinedAsk:  sum,
		Edge:         1 - sum,
	}
}

func (s *PairArbitrage) SetParams(params map[string]string) error {
	next := s.params
	for key, val := range params {
		var err error
		switch normalizeKey(key) {
		case "maxpaircost":
			next.MaxPairCost, err = parseFloat(key, val)
		case "minpaircost":
			next.MinPairCost, err = parseOptionalFloat(key, val)
		case "shares":
			next.Shares, err = parseFloat(key, val)
		case "cooldownms":
			next.CooldownMs, err = parseInt64(key, val)
		case "maxpairsperround":
			next.MaxPairsPerRound, err = parseInt(key, val)
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

func (p PairArbitrageParams) validate() error {
	if err := requirePositive("max_pair_cost", p.MaxPairCost); err != nil {
		return err
	}
	if err := requireNonNegative("min_pair_cost", p.MinPairCost); err != nil {
		return err
	}
	if err := requirePositive("shares", p.Shares); err != nil {
		return err
	}
	if err := requireNonNegative("cooldown_ms", float64(p.CooldownMs)); err != nil {
		return err
	}
	return requirePositive("max_pairs_per_round", float64(p.MaxPairsPerRound))
}

func (s *PairArbitrage) Params() map[string]any {
	return map[string]any{
		"max_pair_cost":       s.params.MaxPairCost,
		"min_pair_cost":       s.params.MinPairCost,
		"shares":              s.params.Shares,
		"cooldown_ms":         s.params.CooldownMs,
		"max_pairs_per_round": s.params.MaxPairsPerRound,
	}
}
