package strategy

import "pm-arb-bot/internal/fusion"

type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

type Mode string

const (
	ModeAuto Mode = "AUTO"
	ModeHITL Mode = "HITL"
)

// Context carries operator settings that strategies may consult.
type Context struct {
	Mode             Mode
	AgentEnabled     bool
	AgentAutoApprove bool
}

// Fill reports an admitted execution back to the strategy that asked for it.
type Fill struct {
	RoundID  string  `json:"round_id"`
	Strategy string  `json:"strategy"`
	Leg      int     `json:"leg"`
	Side     Side    `json:"side"`
	Shares   float64 `json:"shares"`
	Price    float64 `json:"price"`
	TsMs     int64   `json:"ts"`
	Reason   string  `json:"reason,omitempty"`
}

// Strategy is the contract every pairing state machine implements.
type Strategy interface {
	Name() string
	OnTick(s fusion.State, ctx Context) Decision
	OnRoundReset(roundID string)
}

// FillObserver is implemented by strategies whose memory tracks real fills.
type FillObserver interface {
	OnFill(f Fill)
}

// ParamSetter accepts live parameter updates by key.
type ParamSetter interface {
	SetParams(params map[string]string) error
}

// ParamReporter exposes the current parameter set.
type ParamReporter interface {
	Params() map[string]any
}

func quoteFor(s fusion.State, side Side) fusion.LegQuote {
	if side == SideDown {
		return s.Down
	}
	return s.Up
}
