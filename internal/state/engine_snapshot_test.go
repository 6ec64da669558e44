package state_test

import (
	"context"
	"reflect"
	"testing"

	"pm-arb-bot/internal/state"
	"pm-arb-bot/internal/state/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshotSurvivesOverwrite(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	first := state.EngineSnapshot{Strategy: "pair_arbitrage", Mode: "AUTO", UpdatedAtMS: 1}
	if err := state.SaveEngineSnapshot(ctx, store, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	latest := state.EngineSnapshot{
		Strategy:         "open_leg_dislocation_pair",
		Params:           map[string]string{"target_pair_cost": "0.94", "max_unpaired_sec": "45"},
		Mode:             "HITL",
		Paused:           true,
		AgentEnabled:     true,
		AgentAutoApprove: true,
		RoundID:          "btc-updown-15m-1767614400",
		UpdatedAtMS:      1767614460000,
	}
	if err := state.SaveEngineSnapshot(ctx, store, latest); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := state.LoadEngineSnapshot(ctx, store)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, latest) {
		t.Fatalf("expected latest snapshot, got %#v", got)
	}
}

func TestSnapshotAbsentOrBlank(t *testing.T) {
	ctx := context.Background()
	if _, ok, err := state.LoadEngineSnapshot(ctx, nil); ok || err != nil {
		t.Fatalf("nil store: ok=%v err=%v", ok, err)
	}
	if err := state.SaveEngineSnapshot(ctx, nil, state.EngineSnapshot{}); err != nil {
		t.Fatalf("saving to nil store should be a no-op: %v", err)
	}
	store := openStore(t)
	if _, ok, err := state.LoadEngineSnapshot(ctx, store); ok || err != nil {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, state.EngineSnapshotKey, "  "); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := state.LoadEngineSnapshot(ctx, store); ok || err != nil {
		t.Fatalf("blank value: ok=%v err=%v", ok, err)
	}
}

func TestSnapshotCorrupt(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, state.EngineSnapshotKey, `{"strategy":`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := state.LoadEngineSnapshot(ctx, store); err == nil || ok {
		t.Fatalf("expected decode error, got ok=%v err=%v", ok, err)
	}
}
