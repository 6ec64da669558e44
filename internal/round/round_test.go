package round

import "testing"

func TestAtBoundaries(t *testing.T) {
	const start = int64(1_700_000_100) // divisible by 900
	if start%WindowSec != 0 {
		t.Fatalf("fixture start %d is not aligned", start)
	}
	info := At("btc-updown-15m", start*1000)
	if info.ID != "btc-updown-15m-1700000100" {
		t.Fatalf("unexpected id %s", info.ID)
	}
	if info.SecondsRemaining != 900 {
		t.Fatalf("expected 900 seconds remaining, got %d", info.SecondsRemaining)
	}
	if info.StartMs != start*1000 {
		t.Fatalf("unexpected start %d", info.StartMs)
	}

	last := At("btc-updown-15m", (start+899)*1000+999)
	if last.ID != info.ID {
		t.Fatalf("expected same round, got %s", last.ID)
	}
	if last.SecondsRemaining != 1 {
		t.Fatalf("expected 1 second remaining, got %d", last.SecondsRemaining)
	}

	next := At("btc-updown-15m", (start+900)*1000)
	if next.ID == info.ID {
		t.Fatalf("expected rollover at %d", start+900)
	}
	if next.SecondsRemaining != 900 {
		t.Fatalf("expected fresh round, got %d", next.SecondsRemaining)
	}
}

func TestEndMs(t *testing.T) {
	tMs := int64(1_700_000_100_000 + 12_345)
	if got := EndMs(tMs); got != 1_700_001_000_000 {
		t.Fatalf("unexpected end %d", got)
	}
}
