package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenuePaper = "paper"
	VenueLive  = "live"

	KillSwitchAdvisory = "advisory"
	KillSwitchBlocking = "blocking"

	ModeAuto = "AUTO"
	ModeHITL = "HITL"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Market    MarketConfig    `yaml:"market"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Engine    EngineConfig    `yaml:"engine"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Risk      RiskConfig      `yaml:"risk"`
	HITL      HITLConfig      `yaml:"hitl"`
	Exec      ExecConfig      `yaml:"exec"`
	Router    RouterConfig    `yaml:"router"`
	State     StateConfig     `yaml:"state"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MarketConfig struct {
	Slug        string `yaml:"slug"`
	UpTokenID   string `yaml:"up_token_id"`
	DownTokenID string `yaml:"down_token_id"`
}

type FeedsConfig struct {
	OutcomeURL      string        `yaml:"outcome_url"`
	ReferenceURL    string        `yaml:"reference_url"`
	ReferenceSymbol string        `yaml:"reference_symbol"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

type EngineConfig struct {
	TickHz           float64 `yaml:"tick_hz"`
	Mode             string  `yaml:"mode"`
	AgentEnabled     bool    `yaml:"agent_enabled"`
	AgentAutoApprove bool    `yaml:"agent_auto_approve"`
	StartPaused      bool    `yaml:"start_paused"`
	HistorySize      int     `yaml:"history_size"`
	RestoreSnapshot  *bool   `yaml:"restore_snapshot"`
}

func (e EngineConfig) TickInterval() time.Duration {
	if e.TickHz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / e.TickHz)
}

func (e EngineConfig) RestoreSnapshotValue() bool {
	return e.RestoreSnapshot == nil || *e.RestoreSnapshot
}

type StrategyConfig struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

type FusionConfig struct {
	SpreadWeight    float64 `yaml:"spread_weight"`
	DepthWeight     float64 `yaml:"depth_weight"`
	FlowWeight      float64 `yaml:"flow_weight"`
	SpreadThreshold float64 `yaml:"spread_threshold"`
	TargetDepth     float64 `yaml:"target_depth"`
	DepthLevels     int     `yaml:"depth_levels"`
}

type RiskConfig struct {
	MaxSharesPerRound float64 `yaml:"max_shares_per_round"`
	MaxTradesPerDay   int     `yaml:"max_trades_per_day"`
	MaxDailyDrawdown  float64 `yaml:"max_daily_drawdown"`
	KillSwitch        *bool   `yaml:"kill_switch"`
	KillSwitchMode    string  `yaml:"kill_switch_mode"`
}

func (r RiskConfig) KillSwitchValue() bool {
	return r.KillSwitch == nil || *r.KillSwitch
}

type HITLConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	MinTTL   time.Duration `yaml:"min_ttl"`
	Capacity int           `yaml:"capacity"`
}

type ExecConfig struct {
	Venue          string        `yaml:"venue"`
	Tif            string        `yaml:"tif"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type RouterConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	PrivateKey string        `yaml:"private_key"`
	ChainID    int64         `yaml:"chain_id"`
	Verifier   string        `yaml:"verifier"`
	Source     string        `yaml:"source"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RecorderConfig struct {
	Dir       string `yaml:"dir"`
	Enabled   bool   `yaml:"enabled"`
	QueueSize int    `yaml:"queue_size"`
}

type APIConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (a APIConfig) EnabledValue() bool {
	return a.Enabled == nil || *a.Enabled
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TelegramConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Token           string        `yaml:"token"`
	ChatID          string        `yaml:"chat_id"`
	OperatorEnabled bool          `yaml:"operator_enabled"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	AllowedUserIDs  []int64       `yaml:"allowed_user_ids"`
	NotifyProposals *bool         `yaml:"notify_proposals"`
}

func (t TelegramConfig) NotifyProposalsValue() bool {
	return t.NotifyProposals == nil || *t.NotifyProposals
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.Market.Slug == "" {
		cfg.Market.Slug = "btc-updown-15m"
	}
	if cfg.Feeds.OutcomeURL == "" {
		cfg.Feeds.OutcomeURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.Feeds.ReferenceURL == "" {
		cfg.Feeds.ReferenceURL = "wss://fstream.binance.com/stream"
	}
	if cfg.Feeds.ReferenceSymbol == "" {
		cfg.Feeds.ReferenceSymbol = "btcusdt"
	}
	if cfg.Feeds.ReconnectDelay == 0 {
		cfg.Feeds.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feeds.PingInterval == 0 {
		cfg.Feeds.PingInterval = 10 * time.Second
	}
	if cfg.Feeds.StaleAfter == 0 {
		cfg.Feeds.StaleAfter = 30 * time.Second
	}
	if cfg.Engine.TickHz == 0 {
		cfg.Engine.TickHz = 4
	}
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = ModeAuto
	}
	cfg.Engine.Mode = strings.ToUpper(cfg.Engine.Mode)
	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = 200
	}
	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = "pair_arbitrage"
	}
	if cfg.Fusion.SpreadWeight == 0 && cfg.Fusion.DepthWeight == 0 && cfg.Fusion.FlowWeight == 0 {
		cfg.Fusion.SpreadWeight = 0.4
		cfg.Fusion.DepthWeight = 0.3
		cfg.Fusion.FlowWeight = 0.3
	}
	if cfg.Fusion.SpreadThreshold == 0 {
		cfg.Fusion.SpreadThreshold = 0.1
	}
	if cfg.Fusion.TargetDepth == 0 {
		cfg.Fusion.TargetDepth = 50_000
	}
	if cfg.Fusion.DepthLevels == 0 {
		cfg.Fusion.DepthLevels = 10
	}
	if cfg.Risk.MaxSharesPerRound == 0 {
		cfg.Risk.MaxSharesPerRound = 200
	}
	if cfg.Risk.MaxTradesPerDay == 0 {
		cfg.Risk.MaxTradesPerDay = 200
	}
	if cfg.Risk.MaxDailyDrawdown == 0 {
		cfg.Risk.MaxDailyDrawdown = -250
	}
	if cfg.Risk.KillSwitch == nil {
		enabled := true
		cfg.Risk.KillSwitch = &enabled
	}
	if cfg.Risk.KillSwitchMode == "" {
		cfg.Risk.KillSwitchMode = KillSwitchAdvisory
	}
	if cfg.HITL.TTL == 0 {
		cfg.HITL.TTL = 30 * time.Second
	}
	if cfg.HITL.MinTTL == 0 {
		cfg.HITL.MinTTL = 3 * time.Second
	}
	if cfg.HITL.Capacity == 0 {
		cfg.HITL.Capacity = 500
	}
	if cfg.Exec.Venue == "" {
		cfg.Exec.Venue = VenuePaper
	}
	if cfg.Exec.Tif == "" {
		cfg.Exec.Tif = "FOK"
	}
	if cfg.Exec.RatePerSecond == 0 {
		cfg.Exec.RatePerSecond = 2
	}
	if cfg.Exec.Burst == 0 {
		cfg.Exec.Burst = 2
	}
	if cfg.Exec.RetryAttempts == 0 {
		cfg.Exec.RetryAttempts = 5
	}
	if cfg.Exec.InitialBackoff == 0 {
		cfg.Exec.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Router.BaseURL == "" {
		cfg.Router.BaseURL = "http://127.0.0.1:8088"
	}
	if cfg.Router.Timeout == 0 {
		cfg.Router.Timeout = 10 * time.Second
	}
	if cfg.Router.ChainID == 0 {
		cfg.Router.ChainID = 137
	}
	if cfg.Router.Source == "" {
		cfg.Router.Source = "pm-arb-bot"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/pm-arb-bot.db"
	}
	if cfg.Recorder.Dir == "" {
		cfg.Recorder.Dir = "./data"
	}
	if cfg.Recorder.QueueSize == 0 {
		cfg.Recorder.QueueSize = 1024
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":3001"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

// applyEnvOverrides lets PM_* variables replace file values. Secrets are
// expected to arrive this way.
func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PM_LOG_LEVEL", &cfg.Log.Level)
	str("PM_LOG_FILE", &cfg.Log.File)
	str("PM_MARKET_SLUG", &cfg.Market.Slug)
	str("PM_TOKEN_UP_ID", &cfg.Market.UpTokenID)
	str("PM_TOKEN_DOWN_ID", &cfg.Market.DownTokenID)
	str("PM_OUTCOME_WS_URL", &cfg.Feeds.OutcomeURL)
	str("PM_REFERENCE_WS_URL", &cfg.Feeds.ReferenceURL)
	str("PM_REFERENCE_SYMBOL", &cfg.Feeds.ReferenceSymbol)
	str("PM_MODE", &cfg.Engine.Mode)
	str("PM_STRATEGY", &cfg.Strategy.Name)
	str("PM_EXEC_VENUE", &cfg.Exec.Venue)
	str("PM_ROUTER_URL", &cfg.Router.BaseURL)
	str("PM_ROUTER_PRIVATE_KEY", &cfg.Router.PrivateKey)
	str("PM_SQLITE_PATH", &cfg.State.SQLitePath)
	str("PM_RECORDER_DIR", &cfg.Recorder.Dir)
	str("PM_API_ADDR", &cfg.API.Addr)
	str("PM_TELEGRAM_TOKEN", &cfg.Telegram.Token)
	str("PM_TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	str("PM_TIMESCALE_DSN", &cfg.Timescale.DSN)
	cfg.Engine.Mode = strings.ToUpper(cfg.Engine.Mode)
	cfg.Exec.Venue = strings.ToLower(cfg.Exec.Venue)

	if v, ok := os.LookupEnv("PM_ENGINE_HZ"); ok && v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PM_ENGINE_HZ: %w", err)
		}
		cfg.Engine.TickHz = hz
	}
	for key, dst := range map[string]*bool{
		"PM_AGENT_ENABLED":      &cfg.Engine.AgentEnabled,
		"PM_AGENT_AUTO_APPROVE": &cfg.Engine.AgentAutoApprove,
		"PM_RECORDER_ENABLED":   &cfg.Recorder.Enabled,
	} {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Market.UpTokenID == "" || cfg.Market.DownTokenID == "" {
		return errors.New("market.up_token_id and market.down_token_id are required")
	}
	if cfg.Market.UpTokenID == cfg.Market.DownTokenID {
		return errors.New("market token ids must differ")
	}
	if cfg.Engine.TickHz <= 0 {
		return errors.New("engine.tick_hz must be > 0")
	}
	if cfg.Engine.Mode != ModeAuto && cfg.Engine.Mode != ModeHITL {
		return fmt.Errorf("engine.mode must be AUTO or HITL, got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.HistorySize < 0 {
		return errors.New("engine.history_size must be >= 0")
	}
	if cfg.Risk.MaxSharesPerRound < 0 || cfg.Risk.MaxTradesPerDay < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Risk.MaxDailyDrawdown > 0 {
		return errors.New("risk.max_daily_drawdown must be <= 0")
	}
	if cfg.Risk.KillSwitchMode != KillSwitchAdvisory && cfg.Risk.KillSwitchMode != KillSwitchBlocking {
		return fmt.Errorf("risk.kill_switch_mode must be advisory or blocking, got %q", cfg.Risk.KillSwitchMode)
	}
	if cfg.HITL.TTL < 0 || cfg.HITL.MinTTL < 0 || cfg.HITL.Capacity < 0 {
		return errors.New("hitl settings must be >= 0")
	}
	if cfg.HITL.MinTTL > cfg.HITL.TTL {
		return errors.New("hitl.min_ttl exceeds hitl.ttl")
	}
	switch cfg.Exec.Venue {
	case VenuePaper:
	case VenueLive:
		if cfg.Router.PrivateKey == "" {
			return errors.New("router.private_key is required for live venue")
		}
	default:
		return fmt.Errorf("exec.venue must be paper or live, got %q", cfg.Exec.Venue)
	}
	if cfg.Exec.RatePerSecond < 0 || cfg.Exec.Burst < 0 || cfg.Exec.RetryAttempts < 0 {
		return errors.New("exec settings must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
