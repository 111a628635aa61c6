package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configTemplate = `# RSI Trader configuration

# Run mode: "backtest" or "paper"
mode: backtest

# Symbol universe
symbols: [RELIANCE, TCS, INFY]

strategy:
  # "momentum" or "mean_reversion"
  name: momentum
  rsi_period: 14
  # Momentum crossing thresholds
  upper: 70
  lower: 30
  # Mean-reversion levels
  overbought: 70
  oversold: 30
  # Fraction of equity a BUY targets
  target_weight: 0.2

risk:
  # Maximum position value as a fraction of equity
  max_position_pct: 0.25
  # Absolute share cap per symbol (0 disables)
  max_position_qty: 0
  max_open_positions: 5
  # Fraction of cash a single buy may consume
  cash_reserve_factor: 0.98
  allow_short: false

execution:
  max_attempts: 4
  initial_backoff: 200ms
  max_backoff: 5s
  poll_interval: 500ms
  fill_timeout: 30s
  failure_threshold: 5
  reset_timeout: 30s
  costs:
    commission_pct: 0.0
    commission_min: 0.0
    spread_pct: 0.0
    slippage_pct: 0.0

backtest:
  # "synthetic", "csv" (data_dir/<SYMBOL>.csv) or "kite"
  source: synthetic
  data_dir: ./data
  from: "2023-01-01"
  to: "2023-12-31"
  initial_cash: 100000
  cache: true
  # Varies the synthetic generator
  seed: 1

paper:
  poll_interval: 60s
  # "random_walk" or "kite"
  quote_source: random_walk
  initial_cash: 100000
  fill_latency: 250ms
  partial_fill_ratio: 0.0
  failure_rate: 0.0
  seed: 42
  skip_weekends: true
  max_cycles: 0

broker:
  # Names of environment variables holding the Kite credentials
  api_key_env: KITE_API_KEY
  access_token_env: KITE_ACCESS_TOKEN
  exchange: NSE

# Bar cache and run journal, default ~/.config/rsi-trader/trader.db.
# An empty path disables both.
# storage:
#   sqlite_path: ./trader.db

events:
  # Leave empty to disable the Redis event stream
  redis_addr: ""
  stream: "rsi-trader:events"
  max_len: 10000

metrics:
  # e.g. ":9090"; empty disables the Prometheus endpoint
  addr: ""

logging:
  level: info
  console: true
  file: false
  max_size: 50
  max_backups: 5
  max_age: 14
`

// WriteTemplate writes a commented config template into configDir.
// It refuses to overwrite an existing file unless force is set.
func WriteTemplate(configDir string, force bool) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, ConfigFileName+".yaml")
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}

	return path, nil
}

// Render returns the effective configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return out, nil
}
