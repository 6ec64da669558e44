package exec

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pm-arb-bot/internal/fusion"
	"pm-arb-bot/internal/strategy"
)

const maxLedgerFills = 100

type legPosition struct {
	shares decimal.Decimal
	cost   decimal.Decimal
	mark   float64
}

func (p legPosition) view() fusion.Position {
	shares, _ := p.shares.Float64()
	cost, _ := p.cost.Float64()
	pos := fusion.Position{Shares: shares, Cost: cost, Mark: p.mark}
	if p.shares.IsPositive() {
		avg := p.cost.Div(p.shares)
		pos.AvgPrice, _ = avg.Float64()
		pnl := decimal.NewFromFloat(p.mark).Sub(avg).Mul(p.shares)
		pos.PnL, _ = pnl.Float64()
	}
	return pos
}

// Ledger accounts positions per leg in decimal so repeated small fills do
// not drift. It also keeps the most recent fills, newest first.
type Ledger struct {
	mu    sync.RWMutex
	up    legPosition
	down  legPosition
	fills []Fill
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Apply(f Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.OK() {
		pos := &l.up
		if f.Side == strategy.SideDown {
			pos = &l.down
		}
		shares := decimal.NewFromFloat(f.Shares)
		pos.shares = pos.shares.Add(shares)
		pos.cost = pos.cost.Add(shares.Mul(decimal.NewFromFloat(f.Price)))
	}
	l.fills = append([]Fill{f}, l.fills...)
	if len(l.fills) > maxLedgerFills {
		l.fills = l.fills[:maxLedgerFills]
	}
}

func (l *Ledger) Mark(upMid, downMid float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up.mark = upMid
	l.down.mark = downMid
}

func (l *Ledger) Portfolio() fusion.Portfolio {
	l.mu.RLock()
	defer l.mu.RUnlock()
	up := l.up.view()
	down := l.down.view()
	return fusion.Portfolio{Up: up, Down: down, PnL: up.PnL + down.PnL}
}

type Summary struct {
	Pairs     float64 `json:"pairs"`
	Delta     float64 `json:"delta"`
	TotalCost float64 `json:"total_cost"`
	PnL       float64 `json:"pnl"`
}

func (l *Ledger) Summary() Summary {
	p := l.Portfolio()
	pairs := p.Up.Shares
	if p.Down.Shares < pairs {
		pairs = p.Down.Shares
	}
	return Summary{
		Pairs:     pairs,
		Delta:     p.Up.Shares - p.Down.Shares,
		TotalCost: p.Up.Cost + p.Down.Cost,
		PnL:       p.PnL,
	}
}

// Fills returns up to limit recent fills, newest first.
func (l *Ledger) Fills(limit int) []Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.fills) {
		limit = len(l.fills)
	}
	out := make([]Fill, limit)
	copy(out, l.fills[:limit])
	return out
}

func (l *Ledger) FillsSince(since time.Time) []Fill {
	cutoff := since.UnixMilli()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Fill
	for _, f := range l.fills {
		if f.TsMs < cutoff {
			break
		}
		out = append(out, f)
	}
	return out
}
