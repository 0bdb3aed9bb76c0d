// Package config loads process settings once at startup: connection and
// credential values from the environment (.env supported), trading
// parameters from a YAML file. The resulting Config is immutable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"scalp-core/internal/risk"
	"scalp-core/internal/trailing"
)

// StrategyConfig binds one strategy instance to one symbol.
type StrategyConfig struct {
	Name   string         `yaml:"name"`
	Symbol string         `yaml:"symbol"`
	Magic  int64          `yaml:"magic"`
	Params map[string]any `yaml:"params"`
}

// Config is the full process configuration.
type Config struct {
	Mode            string // "live" | "sim"
	BridgeURL       string
	RequestTimeout  time.Duration
	BridgeRateLimit float64 // requests/sec to the terminal bridge

	APIAddr   string
	JWTSecret string
	DBPath    string

	Timezone        string
	PollInterval    time.Duration
	MonitorInterval time.Duration
	JoinTimeout     time.Duration
	PendingExpiry   time.Duration
	RolloverClose   string // "HH:MM" local, Fridays
	Deviation       int    // max slippage in points

	Risk       risk.Config
	Trailing   trailing.Config
	Strategies []StrategyConfig
}

// tradingFile mirrors the YAML layout of the trading parameter file.
type tradingFile struct {
	Risk struct {
		RiskPerTrade       float64  `yaml:"risk_per_trade"`
		DailyLoss          float64  `yaml:"daily_loss"`
		DailyProfit        float64  `yaml:"daily_profit"`
		MinFreeMarginRatio float64  `yaml:"min_free_margin_ratio"`
		MaxDrawdown        float64  `yaml:"max_drawdown"`
		SessionHours       []string `yaml:"session_hours"`
		MinSLPips          float64  `yaml:"min_sl_pips"`
		MaxPositionLot     float64  `yaml:"max_position_lot"`
	} `yaml:"risk"`
	Trailing struct {
		BEMinProfitPips   float64 `yaml:"be_min_profit_pips"`
		BESecuredPips     float64 `yaml:"be_secured_pips"`
		ProfitLockPercent float64 `yaml:"profit_lock_percent"`
		LockBuffer        float64 `yaml:"lock_buffer"`
		StepPips          float64 `yaml:"step_pips"`
	} `yaml:"trailing"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Load reads .env (ignored if absent), then the environment, then the YAML
// trading file named by TRADING_CONFIG (default trading.yaml).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Mode:            getEnv("MODE", "live"),
		BridgeURL:       getEnv("BRIDGE_URL", "ws://127.0.0.1:8765/terminal"),
		RequestTimeout:  getEnvDuration("BRIDGE_TIMEOUT", 10*time.Second),
		BridgeRateLimit: getEnvFloat("BRIDGE_RATE_LIMIT", 20),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		DBPath:          getEnv("DB_PATH", "scalp.db"),
		Timezone:        getEnv("TIMEZONE", "Europe/Bucharest"),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 5*time.Second),
		JoinTimeout:     getEnvDuration("JOIN_TIMEOUT", 10*time.Second),
		PendingExpiry:   getEnvDuration("PENDING_EXPIRY", 15*time.Minute),
		RolloverClose:   getEnv("ROLLOVER_CLOSE", "23:30"),
		Deviation:       getEnvInt("DEVIATION_POINTS", 20),
	}
	if cfg.Mode != "live" && cfg.Mode != "sim" {
		return nil, fmt.Errorf("MODE must be live or sim, got %q", cfg.Mode)
	}

	path := getEnv("TRADING_CONFIG", "trading.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trading config %s: %w", path, err)
	}
	var tf tradingFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse trading config %s: %w", path, err)
	}

	cfg.Risk = risk.Config{
		RiskPerTrade:       tf.Risk.RiskPerTrade,
		DailyLoss:          tf.Risk.DailyLoss,
		DailyProfit:        tf.Risk.DailyProfit,
		MinFreeMarginRatio: tf.Risk.MinFreeMarginRatio,
		MaxDrawdown:        tf.Risk.MaxDrawdown,
		MinSLPips:          tf.Risk.MinSLPips,
		MaxPositionLot:     tf.Risk.MaxPositionLot,
	}
	for _, s := range tf.Risk.SessionHours {
		w, err := risk.ParseWindow(s)
		if err != nil {
			return nil, fmt.Errorf("trading config %s: %w", path, err)
		}
		cfg.Risk.Sessions = append(cfg.Risk.Sessions, w)
	}
	cfg.Trailing = trailing.Config{
		BEMinProfitPips:   tf.Trailing.BEMinProfitPips,
		BESecuredPips:     tf.Trailing.BESecuredPips,
		ProfitLockPercent: tf.Trailing.ProfitLockPercent,
		LockBuffer:        tf.Trailing.LockBuffer,
		StepPips:          tf.Trailing.StepPips,
	}
	cfg.Strategies = tf.Strategies

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.1 {
		return fmt.Errorf("risk_per_trade %v out of (0, 0.1]", c.Risk.RiskPerTrade)
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("no strategies configured")
	}
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.Name == "" || s.Symbol == "" {
			return fmt.Errorf("strategy entries need name and symbol")
		}
		key := s.Name + "/" + s.Symbol
		if seen[key] {
			return fmt.Errorf("duplicate strategy binding %s", key)
		}
		seen[key] = true
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("bad TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone. validate already checked it.
func (c *Config) Location() *time.Location {
	loc, _ := time.LoadLocation(c.Timezone)
	return loc
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
