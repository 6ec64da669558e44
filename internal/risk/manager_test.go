package risk

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestCheckFlagsSharesPerRound(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(DefaultLimits(), clock.Now)

	m.RecordTrade(150)
	flags := m.Check(100)
	if !flags.MaxSharesPerRound {
		t.Fatalf("expected max shares flag")
	}
	if len(flags.Messages) != 2 || flags.Messages[0] != "MAX_SHARES_PER_ROUND: 250 > 200" {
		t.Fatalf("unexpected messages: %v", flags.Messages)
	}
	if !flags.KillSwitch || flags.Messages[1] != "KILL_SWITCH_ACTIVE" {
		t.Fatalf("expected kill switch, got %+v", flags)
	}

	if f := m.Check(50); f.Any() {
		t.Fatalf("expected no flags at the limit, got %v", f.Messages)
	}
}

func TestResetRoundKeepsDailyCounters(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(DefaultLimits(), clock.Now)
	m.RecordTrade(150)
	m.ResetRound()
	stats := m.Stats()
	if stats.SharesThisRound != 0 || stats.TradesToday != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTradesPerDayAndDrawdown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	limits := DefaultLimits()
	limits.MaxTradesPerDay = 2
	limits.KillSwitch = false
	m := NewManager(limits, clock.Now)

	m.RecordTrade(1)
	m.RecordTrade(1)
	m.RecordPnL(-300)
	flags := m.Check(1)
	if !flags.MaxTradesPerDay || !flags.MaxDailyDrawdown {
		t.Fatalf("expected trades and drawdown flags, got %+v", flags)
	}
	if flags.KillSwitch {
		t.Fatalf("kill switch disarmed but reported active")
	}
	if flags.Messages[0] != "MAX_TRADES_PER_DAY: 2 >= 2" {
		t.Fatalf("unexpected trades message: %s", flags.Messages[0])
	}
	if flags.Messages[1] != "MAX_DAILY_DRAWDOWN: -300.00 <= -250" {
		t.Fatalf("unexpected drawdown message: %s", flags.Messages[1])
	}
}

func TestDayRolloverResetsDailyCounters(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)}
	m := NewManager(DefaultLimits(), clock.Now)
	m.RecordTrade(10)
	m.RecordPnL(-40)

	clock.t = clock.t.Add(2 * time.Minute)
	if f := m.Check(0); f.Any() {
		t.Fatalf("unexpected flags: %v", f.Messages)
	}
	stats := m.Stats()
	if stats.TradesToday != 0 || stats.DailyPnL != 0 || stats.Day != "2025-03-02" {
		t.Fatalf("expected fresh day, got %+v", stats)
	}
	if stats.SharesThisRound != 10 {
		t.Fatalf("round shares must survive a day roll, got %v", stats.SharesThisRound)
	}
}

func TestDayMarkerMovesOnlyInCheck(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 23, 58, 0, 0, time.UTC)}
	m := NewManager(DefaultLimits(), clock.Now)
	m.RecordTrade(5)

	clock.t = clock.t.Add(5 * time.Minute)
	m.RecordTrade(5)
	m.RecordPnL(-12)
	if stats := m.Stats(); stats.Day != "2025-03-01" || stats.TradesToday != 2 || stats.DailyPnL != -12 {
		t.Fatalf("recording must not roll the day, got %+v", stats)
	}

	m.Check(0)
	if stats := m.Stats(); stats.Day != "2025-03-02" || stats.TradesToday != 0 || stats.DailyPnL != 0 {
		t.Fatalf("expected check to roll the day, got %+v", stats)
	}
}

func TestSetLimits(t *testing.T) {
	m := NewManager(DefaultLimits(), nil)
	limits := m.Limits()
	limits.MaxSharesPerRound = 10
	m.SetLimits(limits)
	if f := m.Check(11); !f.MaxSharesPerRound {
		t.Fatalf("expected new limit to apply")
	}
}
