package state

import (
	"context"
	"encoding/json"
	"strings"
)

const EngineSnapshotKey = "engine:last_snapshot"

// EngineSnapshot is the operator-controlled part of the engine that survives
// a restart.
type EngineSnapshot struct {
	Strategy         string            `json:"strategy"`
	Params           map[string]string `json:"params,omitempty"`
	Mode             string            `json:"mode"`
	Paused           bool              `json:"paused"`
	AgentEnabled     bool              `json:"agent_enabled"`
	AgentAutoApprove bool              `json:"agent_auto_approve"`
	RoundID          string            `json:"round_id,omitempty"`
	UpdatedAtMS      int64             `json:"updated_at_ms"`
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, string(payload))
}
