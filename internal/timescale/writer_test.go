package timescale

import (
	"testing"
	"time"

	"pm-arb-bot/internal/config"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNilWriter(t *testing.T) {
	w, err := New(config.TimescaleConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
	w.EnqueueFill(FillRow{Time: time.Now()})
	w.EnqueueEquity(EquitySnapshot{Time: time.Now()})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := &Writer{
		log:    zap.NewNop(),
		schema: "public",
		fills:  make(chan FillRow, 1),
		equity: make(chan EquitySnapshot, 1),
	}
	w.EnqueueFill(FillRow{RoundID: "r1"})
	w.EnqueueFill(FillRow{RoundID: "r2"})
	w.EnqueueEquity(EquitySnapshot{RoundID: "r1"})
	w.EnqueueEquity(EquitySnapshot{RoundID: "r2"})
	if got := w.dropFill.Load(); got != 1 {
		t.Fatalf("expected 1 dropped fill, got %d", got)
	}
	if got := w.dropEquity.Load(); got != 1 {
		t.Fatalf("expected 1 dropped equity snapshot, got %d", got)
	}
	if row := <-w.fills; row.RoundID != "r1" {
		t.Fatalf("expected first fill kept, got %s", row.RoundID)
	}
	if got := w.table("fills"); got != "public.fills" {
		t.Fatalf("unexpected table name %s", got)
	}
}
