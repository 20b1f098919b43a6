package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Risk struct {
	MaxPositionPct       float64           `yaml:"max_position_pct"`    // % of portfolio per instrument
	MaxOpenSwing         int               `yaml:"max_open_swing"`      // open swing positions
	MaxOpenIntraday      int               `yaml:"max_open_intraday"`   // open intraday positions
	MinCashPct           float64           `yaml:"min_cash_pct"`        // cash reserve floor
	MaxDailyLossPct      float64           `yaml:"max_daily_loss_pct"`  // daily-halt trigger
	MaxDrawdownPct       float64           `yaml:"max_drawdown_pct"`    // drawdown-halt trigger (from HWM)
	StopLossPct          float64           `yaml:"stop_loss_pct"`       // per-trade stop
	TakeProfitPct        float64           `yaml:"take_profit_pct"`     // per-trade target
	MaxSectorExposurePct float64           `yaml:"max_sector_exposure_pct"`
	SectorMap            map[string]string `yaml:"sector_map"` // instrument -> sector
	StateFilePath        string            `yaml:"state_file_path"`
	EventLogPath         string            `yaml:"event_log_path"`
}

type Judgment struct {
	Enabled      bool    `yaml:"enabled"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	BoostFactor  float64 `yaml:"boost_factor"`  // size scale on BOOST
	ReduceFactor float64 `yaml:"reduce_factor"` // size scale on REDUCE
	LogDir       string  `yaml:"log_dir"`
}

type Conviction struct {
	WeightsPath   string  `yaml:"weights_path"` // regime weight table, hot-reloaded
	DailyWeight   float64 `yaml:"daily_weight"` // W_d for intraday combination
	TimingWeight  float64 `yaml:"timing_weight"`
	MinConviction float64 `yaml:"min_conviction"` // floor for generating a proposal
}

type Lifecycle struct {
	Timezone              string `yaml:"timezone"`
	MarketOpen            string `yaml:"market_open"`       // "09:30" local
	OpenOffsetMinutes     int    `yaml:"open_offset_minutes"`
	HardClose             string `yaml:"hard_close"`        // "12:45" local
	ForceCloseMaxAttempts int    `yaml:"force_close_max_attempts"`
	ForceCloseBackoffMs   int    `yaml:"force_close_backoff_ms"`
	HistoryDir            string `yaml:"history_dir"`
}

type Broker struct {
	Adapter            string `yaml:"adapter"` // alpaca | fake
	APIKeyEnv          string `yaml:"api_key_env"`
	APISecretEnv       string `yaml:"api_secret_env"`
	BaseURL            string `yaml:"base_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	BackoffMaxMs       int    `yaml:"backoff_max_ms"`
}

type Alerts struct {
	BufferSize   int    `yaml:"buffer_size"`
	SlackEnabled bool   `yaml:"slack_enabled"`
	WebhookURL   string `yaml:"webhook_url"`
	Channel      string `yaml:"channel"`
}

type ABTest struct {
	Enabled         bool    `yaml:"enabled"`
	JournalPath     string  `yaml:"journal_path"` // sqlite file
	StatePath       string  `yaml:"state_path"`   // virtual ledger snapshot
	DivergenceDelta float64 `yaml:"divergence_delta"`
}

type Ledger struct {
	SwingStatePath    string `yaml:"swing_state_path"`
	IntradayStatePath string `yaml:"intraday_state_path"`
}

type Root struct {
	TradingMode string   `yaml:"trading_mode"` // paper | live | dry-run
	BaseUSD     float64  `yaml:"base_usd"`
	Universe    []string `yaml:"universe"`

	Risk       Risk       `yaml:"risk"`
	Judgment   Judgment   `yaml:"judgment"`
	Conviction Conviction `yaml:"conviction"`
	Lifecycle  Lifecycle  `yaml:"lifecycle"`
	Broker     Broker     `yaml:"broker"`
	Alerts     Alerts     `yaml:"alerts"`
	ABTest     ABTest     `yaml:"abtest"`
	Ledger     Ledger     `yaml:"ledger"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns a config with every default applied and no file read.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.BaseUSD == 0 {
		c.BaseUSD = 100000
	}
	if len(c.Universe) == 0 {
		c.Universe = []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA"}
	}

	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 10.0
	}
	if c.Risk.MaxOpenSwing == 0 {
		c.Risk.MaxOpenSwing = 15
	}
	if c.Risk.MaxOpenIntraday == 0 {
		c.Risk.MaxOpenIntraday = 5
	}
	if c.Risk.MinCashPct == 0 {
		c.Risk.MinCashPct = 20.0
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 1.0
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 10.0
	}
	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = 2.0
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = 4.0
	}
	if c.Risk.StateFilePath == "" {
		c.Risk.StateFilePath = "data/risk_state.json"
	}
	if c.Risk.EventLogPath == "" {
		c.Risk.EventLogPath = "data/risk_events.jsonl"
	}

	if c.Judgment.TimeoutMs == 0 {
		c.Judgment.TimeoutMs = 15000
	}
	if c.Judgment.BoostFactor == 0 {
		c.Judgment.BoostFactor = 1.25
	}
	if c.Judgment.ReduceFactor == 0 {
		c.Judgment.ReduceFactor = 0.5
	}
	if c.Judgment.LogDir == "" {
		c.Judgment.LogDir = "data/judgments"
	}

	if c.Conviction.DailyWeight == 0 && c.Conviction.TimingWeight == 0 {
		c.Conviction.DailyWeight = 0.6
		c.Conviction.TimingWeight = 0.4
	}
	if c.Conviction.MinConviction == 0 {
		c.Conviction.MinConviction = 0.3
	}
	if c.Conviction.WeightsPath == "" {
		c.Conviction.WeightsPath = "config/weights.yaml"
	}

	if c.Lifecycle.Timezone == "" {
		c.Lifecycle.Timezone = "America/New_York"
	}
	if c.Lifecycle.MarketOpen == "" {
		c.Lifecycle.MarketOpen = "09:30"
	}
	if c.Lifecycle.OpenOffsetMinutes == 0 {
		c.Lifecycle.OpenOffsetMinutes = 15
	}
	if c.Lifecycle.HardClose == "" {
		c.Lifecycle.HardClose = "15:45"
	}
	if c.Lifecycle.ForceCloseMaxAttempts == 0 {
		c.Lifecycle.ForceCloseMaxAttempts = 3
	}
	if c.Lifecycle.ForceCloseBackoffMs == 0 {
		c.Lifecycle.ForceCloseBackoffMs = 2000
	}
	if c.Lifecycle.HistoryDir == "" {
		c.Lifecycle.HistoryDir = "data/intraday_history"
	}

	if c.Broker.Adapter == "" {
		c.Broker.Adapter = "alpaca"
	}
	if c.Broker.APIKeyEnv == "" {
		c.Broker.APIKeyEnv = "APCA_API_KEY_ID"
	}
	if c.Broker.APISecretEnv == "" {
		c.Broker.APISecretEnv = "APCA_API_SECRET_KEY"
	}
	if c.Broker.RateLimitPerMinute == 0 {
		c.Broker.RateLimitPerMinute = 180
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 250
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 5000
	}

	if c.Alerts.BufferSize == 0 {
		c.Alerts.BufferSize = 256
	}
	if c.Alerts.Channel == "" {
		c.Alerts.Channel = "#trading-ops"
	}

	if c.ABTest.JournalPath == "" {
		c.ABTest.JournalPath = "data/ab_journal.db"
	}
	if c.ABTest.StatePath == "" {
		c.ABTest.StatePath = "data/ab_state.json"
	}
	if c.ABTest.DivergenceDelta == 0 {
		c.ABTest.DivergenceDelta = 0.03
	}

	if c.Ledger.SwingStatePath == "" {
		c.Ledger.SwingStatePath = "data/swing_portfolio.json"
	}
	if c.Ledger.IntradayStatePath == "" {
		c.Ledger.IntradayStatePath = "data/intraday_state.json"
	}
}
