// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "rsi-trader/internal/errors"
)

// Trading modes.
const (
	ModeBacktest = "backtest"
	ModePaper    = "paper"
)

// Strategy names.
const (
	StrategyMomentum      = "momentum"
	StrategyMeanReversion = "mean_reversion"
)

// ConfigFileName is the base name of the config file, without extension.
const ConfigFileName = "trader"

// Config holds all application configuration.
type Config struct {
	Mode      string          `mapstructure:"mode" yaml:"mode"`
	Symbols   []string        `mapstructure:"symbols" yaml:"symbols"`
	Strategy  StrategyConfig  `mapstructure:"strategy" yaml:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk" yaml:"risk"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Backtest  BacktestConfig  `mapstructure:"backtest" yaml:"backtest"`
	Paper     PaperConfig     `mapstructure:"paper" yaml:"paper"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`

	// Source is the file the config was read from; empty when defaults were used.
	Source string `mapstructure:"-" yaml:"-"`
}

// StrategyConfig holds RSI strategy parameters.
type StrategyConfig struct {
	Name         string  `mapstructure:"name" yaml:"name"` // momentum, mean_reversion
	RSIPeriod    int     `mapstructure:"rsi_period" yaml:"rsi_period"`
	Upper        float64 `mapstructure:"upper" yaml:"upper"`
	Lower        float64 `mapstructure:"lower" yaml:"lower"`
	Overbought   float64 `mapstructure:"overbought" yaml:"overbought"`
	Oversold     float64 `mapstructure:"oversold" yaml:"oversold"`
	TargetWeight float64 `mapstructure:"target_weight" yaml:"target_weight"`
}

// RiskConfig holds risk management configuration.
type RiskConfig struct {
	MaxPositionPct    float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	MaxPositionQty    int64   `mapstructure:"max_position_qty" yaml:"max_position_qty"`
	MaxOpenPositions  int     `mapstructure:"max_open_positions" yaml:"max_open_positions"`
	CashReserveFactor float64 `mapstructure:"cash_reserve_factor" yaml:"cash_reserve_factor"`
	AllowShort        bool    `mapstructure:"allow_short" yaml:"allow_short"`
}

// ExecutionConfig holds order routing configuration.
type ExecutionConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	FillTimeout      time.Duration `mapstructure:"fill_timeout" yaml:"fill_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	Costs            CostConfig    `mapstructure:"costs" yaml:"costs"`
}

// CostConfig holds transaction cost assumptions, in percent of notional.
type CostConfig struct {
	CommissionPct float64 `mapstructure:"commission_pct" yaml:"commission_pct"`
	CommissionMin float64 `mapstructure:"commission_min" yaml:"commission_min"`
	SpreadPct     float64 `mapstructure:"spread_pct" yaml:"spread_pct"`
	SlippagePct   float64 `mapstructure:"slippage_pct" yaml:"slippage_pct"`
}

// BacktestConfig holds historical replay configuration.
type BacktestConfig struct {
	Source      string  `mapstructure:"source" yaml:"source"` // synthetic, csv, kite
	DataDir     string  `mapstructure:"data_dir" yaml:"data_dir"`
	From        string  `mapstructure:"from" yaml:"from"`
	To          string  `mapstructure:"to" yaml:"to"`
	InitialCash float64 `mapstructure:"initial_cash" yaml:"initial_cash"`
	Cache       bool    `mapstructure:"cache" yaml:"cache"`
	// Seed varies the synthetic generator; bars are also seeded by symbol.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// PaperConfig holds paper trading configuration.
type PaperConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	QuoteSource      string        `mapstructure:"quote_source" yaml:"quote_source"` // random_walk, kite
	InitialCash      float64       `mapstructure:"initial_cash" yaml:"initial_cash"`
	FillLatency      time.Duration `mapstructure:"fill_latency" yaml:"fill_latency"`
	PartialFillRatio float64       `mapstructure:"partial_fill_ratio" yaml:"partial_fill_ratio"`
	FailureRate      float64       `mapstructure:"failure_rate" yaml:"failure_rate"`
	Seed             int64         `mapstructure:"seed" yaml:"seed"`
	SkipWeekends     bool          `mapstructure:"skip_weekends" yaml:"skip_weekends"`
	MaxCycles        int           `mapstructure:"max_cycles" yaml:"max_cycles"`
}

// BrokerConfig references credentials by environment variable name.
// Secrets never live in the config file.
type BrokerConfig struct {
	APIKeyEnv      string `mapstructure:"api_key_env" yaml:"api_key_env"`
	AccessTokenEnv string `mapstructure:"access_token_env" yaml:"access_token_env"`
	Exchange       string `mapstructure:"exchange" yaml:"exchange"`
}

// StorageConfig holds SQLite configuration.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// EventsConfig holds the Redis event stream configuration.
type EventsConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	Stream    string `mapstructure:"stream" yaml:"stream"`
	MaxLen    int64  `mapstructure:"max_len" yaml:"max_len"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig mirrors logging.LogConfig in file form.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Console    bool   `mapstructure:"console" yaml:"console"`
	File       bool   `mapstructure:"file" yaml:"file"`
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// Credentials are resolved from the environment at startup.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/rsi-trader"
	}
	return filepath.Join(home, ".config", "rsi-trader")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeBacktest)
	v.SetDefault("symbols", []string{"RELIANCE", "TCS", "INFY"})

	v.SetDefault("strategy.name", StrategyMomentum)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.upper", 70.0)
	v.SetDefault("strategy.lower", 30.0)
	v.SetDefault("strategy.overbought", 70.0)
	v.SetDefault("strategy.oversold", 30.0)
	v.SetDefault("strategy.target_weight", 0.2)

	v.SetDefault("risk.max_position_pct", 0.25)
	v.SetDefault("risk.max_position_qty", 0)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.cash_reserve_factor", 0.98)
	v.SetDefault("risk.allow_short", false)

	v.SetDefault("execution.max_attempts", 4)
	v.SetDefault("execution.initial_backoff", "200ms")
	v.SetDefault("execution.max_backoff", "5s")
	v.SetDefault("execution.poll_interval", "500ms")
	v.SetDefault("execution.fill_timeout", "30s")
	v.SetDefault("execution.failure_threshold", 5)
	v.SetDefault("execution.reset_timeout", "30s")
	v.SetDefault("execution.costs.commission_pct", 0.0)
	v.SetDefault("execution.costs.commission_min", 0.0)
	v.SetDefault("execution.costs.spread_pct", 0.0)
	v.SetDefault("execution.costs.slippage_pct", 0.0)

	v.SetDefault("backtest.source", "synthetic")
	v.SetDefault("backtest.data_dir", "./data")
	v.SetDefault("backtest.from", "2023-01-01")
	v.SetDefault("backtest.to", "2023-12-31")
	v.SetDefault("backtest.initial_cash", 100000.0)
	v.SetDefault("backtest.cache", true)
	v.SetDefault("backtest.seed", 1)

	v.SetDefault("paper.poll_interval", "60s")
	v.SetDefault("paper.quote_source", "random_walk")
	v.SetDefault("paper.initial_cash", 100000.0)
	v.SetDefault("paper.fill_latency", "250ms")
	v.SetDefault("paper.partial_fill_ratio", 0.0)
	v.SetDefault("paper.failure_rate", 0.0)
	v.SetDefault("paper.seed", 42)
	v.SetDefault("paper.skip_weekends", true)
	v.SetDefault("paper.max_cycles", 0)

	v.SetDefault("broker.api_key_env", "KITE_API_KEY")
	v.SetDefault("broker.access_token_env", "KITE_ACCESS_TOKEN")
	v.SetDefault("broker.exchange", "NSE")

	v.SetDefault("storage.sqlite_path", filepath.Join(DefaultConfigDir(), "trader.db"))

	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.stream", "rsi-trader:events")
	v.SetDefault("events.max_len", 10000)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "trader.log"))
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 14)
}

// Load loads configuration from path, which may be a YAML file or a directory
// containing trader.yaml. An empty path uses the default config directory.
// A missing file falls back to defaults; environment variables prefixed with
// TRADER_ override file values (e.g. TRADER_STRATEGY_RSI_PERIOD=21).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicitFile := false
	if path == "" {
		path = DefaultConfigDir()
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		v.SetConfigFile(path)
		explicitFile = true
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || explicitFile {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	// AutomaticEnv does not split lists, so the symbol universe gets its own override.
	if raw := os.Getenv("TRADER_SYMBOLS"); raw != "" {
		cfg.Symbols = splitSymbols(raw)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Strategy.Name = strings.ToLower(strings.TrimSpace(c.Strategy.Name))
	seen := make(map[string]bool, len(c.Symbols))
	symbols := c.Symbols[:0]
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	c.Symbols = symbols
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.Mode != ModeBacktest && c.Mode != ModePaper {
		return invalid("mode %q must be %q or %q", c.Mode, ModeBacktest, ModePaper)
	}
	if len(c.Symbols) == 0 {
		return invalid("at least one symbol is required")
	}

	s := c.Strategy
	if s.Name != StrategyMomentum && s.Name != StrategyMeanReversion {
		return invalid("strategy.name %q must be %q or %q", s.Name, StrategyMomentum, StrategyMeanReversion)
	}
	if s.RSIPeriod <= 0 {
		return invalid("strategy.rsi_period must be positive, got %d", s.RSIPeriod)
	}
	thresholds := []struct {
		name string
		val  float64
	}{{"upper", s.Upper}, {"lower", s.Lower}, {"overbought", s.Overbought}, {"oversold", s.Oversold}}
	for _, th := range thresholds {
		if th.val < 0 || th.val > 100 {
			return invalid("strategy.%s must be between 0 and 100, got %.2f", th.name, th.val)
		}
	}
	if s.Lower >= s.Upper {
		return invalid("strategy.lower (%.2f) must be below strategy.upper (%.2f)", s.Lower, s.Upper)
	}
	if s.Oversold >= s.Overbought {
		return invalid("strategy.oversold (%.2f) must be below strategy.overbought (%.2f)", s.Oversold, s.Overbought)
	}
	if s.TargetWeight <= 0 || s.TargetWeight > 1 {
		return invalid("strategy.target_weight must be in (0, 1], got %.2f", s.TargetWeight)
	}

	r := c.Risk
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 1 {
		return invalid("risk.max_position_pct must be in (0, 1], got %.2f", r.MaxPositionPct)
	}
	if r.MaxPositionQty < 0 {
		return invalid("risk.max_position_qty must be non-negative")
	}
	if r.MaxOpenPositions <= 0 {
		return invalid("risk.max_open_positions must be positive")
	}
	if r.CashReserveFactor <= 0 || r.CashReserveFactor > 1 {
		return invalid("risk.cash_reserve_factor must be in (0, 1], got %.2f", r.CashReserveFactor)
	}

	e := c.Execution
	if e.MaxAttempts <= 0 {
		return invalid("execution.max_attempts must be positive")
	}
	if e.InitialBackoff <= 0 || e.MaxBackoff < e.InitialBackoff {
		return invalid("execution backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if e.PollInterval <= 0 || e.FillTimeout <= 0 {
		return invalid("execution.poll_interval and execution.fill_timeout must be positive")
	}
	if e.Costs.CommissionPct < 0 || e.Costs.CommissionMin < 0 || e.Costs.SpreadPct < 0 || e.Costs.SlippagePct < 0 {
		return invalid("execution.costs must be non-negative")
	}

	switch c.Mode {
	case ModeBacktest:
		if c.Backtest.InitialCash <= 0 {
			return invalid("backtest.initial_cash must be positive")
		}
		switch c.Backtest.Source {
		case "synthetic", "csv", "kite":
		default:
			return invalid("backtest.source %q must be synthetic, csv or kite", c.Backtest.Source)
		}
		from, to, err := c.Backtest.Range()
		if err != nil {
			return invalid("%v", err)
		}
		if !to.After(from) {
			return invalid("backtest.to must be after backtest.from")
		}
	case ModePaper:
		if c.Paper.InitialCash <= 0 {
			return invalid("paper.initial_cash must be positive")
		}
		if c.Paper.PollInterval <= 0 {
			return invalid("paper.poll_interval must be positive")
		}
		if c.Paper.PartialFillRatio < 0 || c.Paper.PartialFillRatio >= 1 {
			return invalid("paper.partial_fill_ratio must be in [0, 1)")
		}
		if c.Paper.FailureRate < 0 || c.Paper.FailureRate >= 1 {
			return invalid("paper.failure_rate must be in [0, 1)")
		}
		switch c.Paper.QuoteSource {
		case "random_walk", "kite":
		default:
			return invalid("paper.quote_source %q must be random_walk or kite", c.Paper.QuoteSource)
		}
	}

	return nil
}

// Range parses the backtest date window.
func (b BacktestConfig) Range() (time.Time, time.Time, error) {
	from, err := time.Parse("2006-01-02", b.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.from: %w", err)
	}
	to, err := time.Parse("2006-01-02", b.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.to: %w", err)
	}
	return from.UTC(), to.UTC(), nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Mode == ModePaper
}

// NeedsKite reports whether any component talks to the Kite API.
func (c *Config) NeedsKite() bool {
	if c.IsPaperMode() {
		return c.Paper.QuoteSource == "kite"
	}
	return c.Backtest.Source == "kite"
}

// Credentials resolves the broker credentials from the referenced environment variables.
func (c *Config) Credentials() (Credentials, error) {
	creds := Credentials{
		APIKey:      os.Getenv(c.Broker.APIKeyEnv),
		AccessToken: os.Getenv(c.Broker.AccessTokenEnv),
	}
	if creds.APIKey == "" || creds.AccessToken == "" {
		return creds, fmt.Errorf("%w: set %s and %s", apperrors.ErrNotAuthenticated, c.Broker.APIKeyEnv, c.Broker.AccessTokenEnv)
	}
	return creds, nil
}
