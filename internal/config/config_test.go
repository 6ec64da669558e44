package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{Market: MarketConfig{UpTokenID: "111", DownTokenID: "222"}}
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Market.Slug != "btc-updown-15m" {
		t.Fatalf("unexpected slug %q", cfg.Market.Slug)
	}
	if cfg.Engine.TickHz != 4 || cfg.Engine.TickInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected tick cadence %v / %v", cfg.Engine.TickHz, cfg.Engine.TickInterval())
	}
	if cfg.Engine.Mode != ModeAuto || cfg.Engine.HistorySize != 200 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Strategy.Name != "pair_arbitrage" {
		t.Fatalf("unexpected strategy %q", cfg.Strategy.Name)
	}
	if cfg.Risk.MaxSharesPerRound != 200 || cfg.Risk.MaxTradesPerDay != 200 || cfg.Risk.MaxDailyDrawdown != -250 {
		t.Fatalf("unexpected risk defaults: %+v", cfg.Risk)
	}
	if !cfg.Risk.KillSwitchValue() || cfg.Risk.KillSwitchMode != KillSwitchAdvisory {
		t.Fatalf("expected advisory kill switch armed by default")
	}
	if cfg.HITL.TTL != 30*time.Second || cfg.HITL.MinTTL != 3*time.Second || cfg.HITL.Capacity != 500 {
		t.Fatalf("unexpected hitl defaults: %+v", cfg.HITL)
	}
	if cfg.Exec.Venue != VenuePaper {
		t.Fatalf("expected paper venue, got %q", cfg.Exec.Venue)
	}
	if !cfg.Metrics.EnabledValue() || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if !cfg.API.EnabledValue() || !cfg.Engine.RestoreSnapshotValue() {
		t.Fatalf("expected api and snapshot restore enabled by default")
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestKillSwitchFalseRespected(t *testing.T) {
	disabled := false
	cfg := validConfig()
	cfg.Risk.KillSwitch = &disabled
	applyDefaults(cfg)
	if cfg.Risk.KillSwitchValue() {
		t.Fatalf("expected kill switch disabled to be preserved")
	}
}

func TestLogRotationDefaultsOnlyWithFile(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Log.MaxSizeMB != 0 {
		t.Fatalf("expected no rotation defaults without file")
	}
	cfg = validConfig()
	cfg.Log.File = "logs/bot.log"
	applyDefaults(cfg)
	if cfg.Log.MaxSizeMB != 100 || cfg.Log.MaxBackups != 5 || cfg.Log.MaxAgeDays != 14 {
		t.Fatalf("unexpected rotation defaults: %+v", cfg.Log)
	}
}

func TestValidateRequiresTokens(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing token ids")
	}
	cfg.Market = MarketConfig{UpTokenID: "1", DownTokenID: "1"}
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for identical token ids")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.Mode = "manual"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestValidateRejectsBadKillSwitchMode(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.KillSwitchMode = "loud"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown kill switch mode")
	}
}

func TestValidateRejectsPositiveDrawdown(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MaxDailyDrawdown = 10
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for positive drawdown limit")
	}
}

func TestValidateRejectsMinTTLAboveTTL(t *testing.T) {
	cfg := validConfig()
	cfg.HITL.TTL = 2 * time.Second
	cfg.HITL.MinTTL = 5 * time.Second
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for min ttl above ttl")
	}
}

func TestValidateLiveRequiresKey(t *testing.T) {
	cfg := validConfig()
	cfg.Exec.Venue = VenueLive
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for live venue without key")
	}
	cfg.Router.PrivateKey = "0xabc"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected live venue with key to validate, got %v", err)
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Path = "metrics"
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("PM_TELEGRAM_TOKEN", "")
	t.Setenv("PM_TELEGRAM_CHAT_ID", "")
	cfg := validConfig()
	cfg.Telegram.Enabled = true
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("env overrides: %v", err)
	}
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("PM_TELEGRAM_TOKEN", "env-token")
	t.Setenv("PM_TELEGRAM_CHAT_ID", "123")
	t.Setenv("PM_TOKEN_UP_ID", "up-env")
	t.Setenv("PM_MODE", "hitl")
	t.Setenv("PM_ENGINE_HZ", "2")
	t.Setenv("PM_AGENT_ENABLED", "true")
	cfg := validConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("env overrides: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected telegram env overrides, got %+v", cfg.Telegram)
	}
	if cfg.Market.UpTokenID != "up-env" {
		t.Fatalf("expected up token override, got %q", cfg.Market.UpTokenID)
	}
	if cfg.Engine.Mode != ModeHITL || cfg.Engine.TickHz != 2 || !cfg.Engine.AgentEnabled {
		t.Fatalf("unexpected engine overrides: %+v", cfg.Engine)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestEnvOverrideRejectsBadNumber(t *testing.T) {
	t.Setenv("PM_ENGINE_HZ", "fast")
	cfg := validConfig()
	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err == nil {
		t.Fatalf("expected error for bad PM_ENGINE_HZ")
	}
}

func TestLoadFromFile(t *testing.T) {
	for _, key := range []string{"PM_TOKEN_UP_ID", "PM_TOKEN_DOWN_ID", "PM_STRATEGY", "PM_MODE", "PM_ENGINE_HZ"} {
		clearEnv(t, key)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "" +
		"market:\n" +
		"  up_token_id: \"111\"\n" +
		"  down_token_id: \"222\"\n" +
		"strategy:\n" +
		"  name: open_leg_dislocation_pair\n" +
		"  params:\n" +
		"    target_pair_cost: \"0.93\"\n" +
		"hitl:\n" +
		"  ttl: 20s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy.Name != "open_leg_dislocation_pair" || cfg.Strategy.Params["target_pair_cost"] != "0.93" {
		t.Fatalf("unexpected strategy config: %+v", cfg.Strategy)
	}
	if cfg.HITL.TTL != 20*time.Second {
		t.Fatalf("expected ttl 20s, got %v", cfg.HITL.TTL)
	}
}
