// Package risk tracks per-round and per-day exposure and reports limit
// breaches as advisory flags.
package risk

import (
	"fmt"
	"sync"
	"time"
)

type Limits struct {
	MaxSharesPerRound float64 `json:"max_shares_per_round" yaml:"max_shares_per_round"`
	MaxTradesPerDay   int     `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxDailyDrawdown  float64 `json:"max_daily_drawdown" yaml:"max_daily_drawdown"`
	KillSwitch        bool    `json:"kill_switch" yaml:"kill_switch"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxSharesPerRound: 200,
		MaxTradesPerDay:   200,
		MaxDailyDrawdown:  -250,
		KillSwitch:        true,
	}
}

// Flags is the result of one check. KillSwitch is only set when the switch
// is armed and at least one limit tripped.
type Flags struct {
	MaxSharesPerRound bool     `json:"max_shares_per_round"`
	MaxTradesPerDay   bool     `json:"max_trades_per_day"`
	MaxDailyDrawdown  bool     `json:"max_daily_drawdown"`
	KillSwitch        bool     `json:"kill_switch"`
	Messages          []string `json:"flags"`
}

func (f Flags) Any() bool {
	return len(f.Messages) > 0
}

type Stats struct {
	SharesThisRound float64 `json:"shares_this_round"`
	TradesToday     int     `json:"trades_today"`
	DailyPnL        float64 `json:"daily_pnl"`
	Day             string  `json:"day"`
	Limits          Limits  `json:"limits"`
}

type Manager struct {
	mu              sync.RWMutex
	limits          Limits
	now             func() time.Time
	sharesThisRound float64
	tradesToday     int
	dailyPnL        float64
	day             string
}

func NewManager(limits Limits, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{limits: limits, now: now, day: dayKey(now())}
}

// Check never blocks execution itself; callers decide what a flag means.
func (m *Manager) Check(proposedShares float64) Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked()

	var f Flags
	if total := m.sharesThisRound + proposedShares; total > m.limits.MaxSharesPerRound {
		f.MaxSharesPerRound = true
		f.Messages = append(f.Messages, fmt.Sprintf("MAX_SHARES_PER_ROUND: %v > %v", total, m.limits.MaxSharesPerRound))
	}
	if m.tradesToday >= m.limits.MaxTradesPerDay {
		f.MaxTradesPerDay = true
		f.Messages = append(f.Messages, fmt.Sprintf("MAX_TRADES_PER_DAY: %d >= %d", m.tradesToday, m.limits.MaxTradesPerDay))
	}
	if m.dailyPnL <= m.limits.MaxDailyDrawdown {
		f.MaxDailyDrawdown = true
		f.Messages = append(f.Messages, fmt.Sprintf("MAX_DAILY_DRAWDOWN: %.2f <= %v", m.dailyPnL, m.limits.MaxDailyDrawdown))
	}
	if m.limits.KillSwitch && len(f.Messages) > 0 {
		f.KillSwitch = true
		f.Messages = append(f.Messages, "KILL_SWITCH_ACTIVE")
	}
	return f
}

// RecordTrade and RecordPnL count against the current day marker. The marker
// only moves in Check, which the engine runs before every execution.
func (m *Manager) RecordTrade(shares float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharesThisRound += shares
	m.tradesToday++
}

func (m *Manager) RecordPnL(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL += delta
}

func (m *Manager) ResetRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharesThisRound = 0
}

func (m *Manager) SetLimits(limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		SharesThisRound: m.sharesThisRound,
		TradesToday:     m.tradesToday,
		DailyPnL:        m.dailyPnL,
		Day:             m.day,
		Limits:          m.limits,
	}
}

func (m *Manager) rollDayLocked() {
	today := dayKey(m.now())
	if today == m.day {
		return
	}
	m.day = today
	m.tradesToday = 0
	m.dailyPnL = 0
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
