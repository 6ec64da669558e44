package strategy

import "pm-arb-bot/internal/fusion"

// Decision is either Legacy or Modern. Consumers resolve it once with a
// type switch.
type Decision interface {
	Kind() string
	decision()
}

type LegacyType string

const (
	LegacyNoop    LegacyType = "NOOP"
	LegacyBuyBoth LegacyType = "BUY_BOTH"
	LegacyBuyOne  LegacyType = "BUY_ONE"
	LegacyHedge   LegacyType = "HEDGE"
)

// Legacy is a single intent decision.
type Legacy struct {
	Type       LegacyType `json:"type"`
	Side       Side       `json:"side,omitempty"`
	Shares     float64    `json:"shares,omitempty"`
	SharesUp   float64    `json:"shares_up,omitempty"`
	SharesDown float64    `json:"shares_down,omitempty"`
	Tier       int        `json:"tier"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason"`
	Risk       []string   `json:"risk"`
	State      DebugState `json:"state,omitempty"`
}

func (Legacy) Kind() string { return "legacy" }
func (Legacy) decision()    {}

// Leg numbers the legacy intent: hedges complete a pair.
func (l Legacy) Leg() int {
	if l.Type == LegacyHedge {
		return 2
	}
	return 1
}

type ActionType string

const (
	ActionBuyShares ActionType = "PAPER_BUY_SHARES"
	ActionNoop      ActionType = "NOOP"
)

type Action struct {
	Type       ActionType `json:"type"`
	Leg        int        `json:"leg,omitempty"`
	Side       Side       `json:"side,omitempty"`
	Shares     float64    `json:"shares,omitempty"`
	LimitPrice float64    `json:"limit_px,omitempty"`
	Reason     string     `json:"reason"`
	Strategy   string     `json:"strategy,omitempty"`
	RoundID    string     `json:"round_id,omitempty"`
}

func Noop(reason string) Action {
	return Action{Type: ActionNoop, Reason: reason}
}

func (a Action) IsBuy() bool {
	return a.Type == ActionBuyShares
}

type ControlType string

const (
	ControlPause  ControlType = "PAUSE"
	ControlResume ControlType = "RESUME"
)

type Control struct {
	Type   ControlType `json:"type"`
	Reason string      `json:"reason"`
}

// Modern carries an ordered action list plus optional control signals.
type Modern struct {
	State   DebugState `json:"state,omitempty"`
	Actions []Action   `json:"actions"`
	Control []Control  `json:"control,omitempty"`
}

func (Modern) Kind() string { return "modern" }
func (Modern) decision()    {}

func noopDecision(state DebugState, reason string) Modern {
	return Modern{State: state, Actions: []Action{Noop(reason)}}
}

// DebugState is an observability snapshot. Nothing in the engine reads it
// back.
type DebugState interface {
	StrategyName() string
}

// Resolve turns any decision into the modern form. Legacy intents become
// buy actions at the current asks of the legs they name.
func Resolve(d Decision, s fusion.State, strategyName string) Modern {
	switch v := d.(type) {
	case Modern:
		return v
	case Legacy:
		return resolveLegacy(v, s, strategyName)
	default:
		return Modern{Actions: []Action{Noop("unknown decision")}}
	}
}

func resolveLegacy(l Legacy, s fusion.State, strategyName string) Modern {
	out := Modern{State: l.State}
	buy := func(leg int, side Side, shares float64) Action {
		return Action{
			Type:       ActionBuyShares,
			Leg:        leg,
			Side:       side,
			Shares:     shares,
			LimitPrice: quoteFor(s, side).Ask,
			Reason:     l.Reason,
			Strategy:   strategyName,
			RoundID:    s.Round.ID,
		}
	}
	switch l.Type {
	case LegacyBuyBoth:
		up, down := l.SharesUp, l.SharesDown
		if up <= 0 {
			up = l.Shares
		}
		if down <= 0 {
			down = l.Shares
		}
		out.Actions = []Action{buy(1, SideUp, up), buy(2, SideDown, down)}
	case LegacyBuyOne, LegacyHedge:
		if !l.Side.Valid() || l.Shares <= 0 {
			out.Actions = []Action{Noop(l.Reason)}
			break
		}
		out.Actions = []Action{buy(l.Leg(), l.Side, l.Shares)}
	default:
		out.Actions = []Action{Noop(l.Reason)}
	}
	return out
}
