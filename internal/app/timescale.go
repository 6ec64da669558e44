package app

import (
	"time"

	"pm-arb-bot/internal/exec"
	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/timescale"
)

func (e *Engine) recordFillLocked(f exec.Fill) {
	if e.ts == nil {
		return
	}
	e.ts.EnqueueFill(timescale.FillRow{
		Time:     time.UnixMilli(f.TsMs).UTC(),
		RoundID:  f.RoundID,
		Strategy: f.Strategy,
		Leg:      f.Leg,
		Side:     string(f.Side),
		Shares:   f.Shares,
		Price:    f.Price,
		Venue:    f.Venue,
		OrderID:  f.OrderID,
		Reason:   f.Reason,
		Error:    f.Err,
	})
}

func (e *Engine) recordEquityLocked(st fusion.State) {
	if e.ts == nil {
		return
	}
	summary := e.sink.Ledger().Summary()
	e.ts.EnqueueEquity(timescale.EquitySnapshot{
		Time:             time.UnixMilli(st.Ts).UTC(),
		RoundID:          st.Round.ID,
		Strategy:         e.strategy.Name(),
		Mode:             string(e.mode),
		SecondsRemaining: int(st.Round.SecondsRemaining),
		UpShares:         st.Portfolio.Up.Shares,
		DownShares:       st.Portfolio.Down.Shares,
		TotalCost:        summary.TotalCost,
		PnL:              st.Portfolio.PnL,
		UpAsk:            st.Up.Ask,
		DownAsk:          st.Down.Ask,
		Paused:           e.paused,
	})
}
