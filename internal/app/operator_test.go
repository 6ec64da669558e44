package app

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pm-arb-bot/internal/config"
	"pm-arb-bot/internal/state"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) ListPrefix(ctx context.Context, prefix string, limit int) ([]state.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]state.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, state.Entry{Key: k, Value: m.data[k]})
	}
	return out, nil
}

func (m *memoryStore) Close() error {
	return nil
}

func newOperatorApp(t *testing.T, cfg *config.Config) (*App, *engineFixture) {
	t.Helper()
	f := newEngineFixture(t, cfg)
	return &App{cfg: cfg, log: zap.NewNop(), engine: f.engine}, f
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}
	cmd, _, ok = parseOperatorCommand("/Approve@pm_arb_bot p-1")
	if !ok || cmd != "approve" {
		t.Fatalf("expected bot suffix stripped, got %q", cmd)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	app, f := newOperatorApp(t, testConfig())
	actor := Actor{Source: "telegram", UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(context.Background(), "pause", nil, actor)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "trading paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !f.engine.Paused() {
		t.Fatalf("expected paused")
	}
	resp, _ = app.handleOperatorCommand(context.Background(), "pause", nil, actor)
	if resp != "trading already paused" {
		t.Fatalf("unexpected repeated pause response: %s", resp)
	}

	f.clock.Advance(time.Second)
	actor.Raw = "/resume"
	resp, err = app.handleOperatorCommand(context.Background(), "resume", nil, actor)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "trading resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}

	entries, err := f.engine.AuditLog(context.Background(), 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	var event auditEvent
	if err := json.Unmarshal([]byte(entries[0].Value), &event); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if event.Action != "pause" || event.Actor.UserID != 1 || event.Before == nil || event.Before.Paused {
		t.Fatalf("unexpected audit event: %+v", event)
	}
}

func TestOperatorModeAndStrategy(t *testing.T) {
	app, f := newOperatorApp(t, testConfig())
	ctx := context.Background()

	if resp, err := app.handleOperatorCommand(ctx, "mode", []string{"hitl"}, Actor{}); err != nil || resp != "mode set to HITL" {
		t.Fatalf("unexpected mode response: %q %v", resp, err)
	}
	if _, err := app.handleOperatorCommand(ctx, "mode", []string{"yolo"}, Actor{}); err == nil {
		t.Fatalf("expected invalid mode error")
	}
	if _, err := app.handleOperatorCommand(ctx, "strategy", []string{"statistical_arbitrage", "shares=5"}, Actor{}); err != nil {
		t.Fatalf("strategy error: %v", err)
	}
	if got := f.engine.Status().ActiveStrategy; got != "statistical_arbitrage" {
		t.Fatalf("expected statistical_arbitrage, got %s", got)
	}
	if _, err := app.handleOperatorCommand(ctx, "strategy", []string{"unknown"}, Actor{}); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
}

func TestOperatorRiskCommands(t *testing.T) {
	app, f := newOperatorApp(t, testConfig())
	ctx := context.Background()

	resp, err := app.handleOperatorCommand(ctx, "risk", []string{"set", "max_trades_per_day=3"}, Actor{})
	if err != nil || resp != "risk override updated" {
		t.Fatalf("unexpected risk set: %q %v", resp, err)
	}
	if got := f.engine.Status().Risk.Limits.MaxTradesPerDay; got != 3 {
		t.Fatalf("expected 3 trades per day, got %d", got)
	}
	resp, _ = app.handleOperatorCommand(ctx, "risk", nil, Actor{})
	if !strings.Contains(resp, "max_trades_per_day=3") || !strings.Contains(resp, "risk override: active") {
		t.Fatalf("unexpected risk show: %s", resp)
	}
	resp, err = app.handleOperatorCommand(ctx, "risk", []string{"reset"}, Actor{})
	if err != nil || resp != "risk override cleared" {
		t.Fatalf("unexpected risk reset: %q %v", resp, err)
	}
	if _, err := app.handleOperatorCommand(ctx, "risk", []string{"set", "leverage=5"}, Actor{}); err == nil {
		t.Fatalf("expected unknown risk key error")
	}
}

func TestOperatorApproveAndReject(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Mode = config.ModeHITL
	app, f := newOperatorApp(t, cfg)
	f.tick(t)
	ctx := context.Background()

	listing, _ := app.handleOperatorCommand(ctx, "proposals", nil, Actor{})
	first := f.notified[0][0].ID
	second := f.notified[0][1].ID
	if !strings.Contains(listing, first) || !strings.Contains(listing, second) {
		t.Fatalf("expected both proposals listed: %s", listing)
	}
	resp, err := app.handleOperatorCommand(ctx, "approve", []string{first}, Actor{Source: "telegram"})
	if err != nil || !strings.HasPrefix(resp, "approved "+first) {
		t.Fatalf("unexpected approve response: %q %v", resp, err)
	}
	resp, err = app.handleOperatorCommand(ctx, "reject", []string{second, "spread", "too", "wide"}, Actor{Source: "telegram"})
	if err != nil || resp != "proposal "+second+" is REJECTED" {
		t.Fatalf("unexpected reject response: %q %v", resp, err)
	}
	if _, err := app.handleOperatorCommand(ctx, "approve", []string{second}, Actor{}); err == nil {
		t.Fatalf("expected approving a rejected proposal to fail")
	}
	if resp, _ := app.handleOperatorCommand(ctx, "proposals", nil, Actor{}); resp != "no pending proposals" {
		t.Fatalf("unexpected empty listing: %s", resp)
	}
}

func TestOperatorStatusAndHelp(t *testing.T) {
	app, f := newOperatorApp(t, testConfig())
	f.tick(t)
	resp, _ := app.handleOperatorCommand(context.Background(), "status", nil, Actor{})
	if !strings.Contains(resp, "strategy: pair_arbitrage") || !strings.Contains(resp, "sum 0.9500") {
		t.Fatalf("unexpected status: %s", resp)
	}
	resp, _ = app.handleOperatorCommand(context.Background(), "whatever", nil, Actor{})
	if !strings.HasPrefix(resp, "commands:") {
		t.Fatalf("expected help text, got %s", resp)
	}
}

func TestOperatorOffsetPersistence(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := &App{store: store}
	if got := app.loadOperatorOffset(context.Background()); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(context.Background(), 42)
	if got := app.loadOperatorOffset(context.Background()); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
