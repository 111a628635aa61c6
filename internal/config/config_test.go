package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "rsi-trader/internal/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Strategy.RSIPeriod != 14 {
		t.Errorf("rsi_period = %d, want 14", cfg.Strategy.RSIPeriod)
	}
	if cfg.Execution.InitialBackoff != 200*time.Millisecond {
		t.Errorf("initial_backoff = %v, want 200ms", cfg.Execution.InitialBackoff)
	}
}

func TestLoadMissingDirectoryFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want empty", cfg.Source)
	}
	if cfg.Mode != ModeBacktest {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeBacktest)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	body := `
mode: paper
symbols: [infy, tcs, infy]
strategy:
  name: mean_reversion
  rsi_period: 10
paper:
  poll_interval: 5s
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADER_STRATEGY_RSI_PERIOD", "21")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsPaperMode() {
		t.Errorf("expected paper mode")
	}
	if cfg.Strategy.Name != StrategyMeanReversion {
		t.Errorf("strategy = %q", cfg.Strategy.Name)
	}
	if cfg.Strategy.RSIPeriod != 21 {
		t.Errorf("env override not applied: rsi_period = %d", cfg.Strategy.RSIPeriod)
	}
	if got := cfg.Symbols; len(got) != 2 || got[0] != "INFY" || got[1] != "TCS" {
		t.Errorf("symbols = %v, want [INFY TCS]", got)
	}
	if cfg.Paper.PollInterval != 5*time.Second {
		t.Errorf("poll_interval = %v", cfg.Paper.PollInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "mode: live\n"},
		{"zero period", "strategy:\n  rsi_period: 0\n"},
		{"threshold out of range", "strategy:\n  upper: 120\n"},
		{"inverted thresholds", "strategy:\n  upper: 20\n  lower: 40\n"},
		{"position pct", "risk:\n  max_position_pct: 1.5\n"},
		{"unknown strategy", "strategy:\n  name: macd\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trader.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, apperrors.ErrConfigInvalid) {
				t.Errorf("error %v should wrap ErrConfigInvalid", err)
			}
		})
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteTemplate(dir, false)
	if err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	if _, err := WriteTemplate(dir, false); err == nil {
		t.Error("second WriteTemplate without force should fail")
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load template: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}

	out, err := cfg.Render()
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(out) == 0 {
		t.Error("Render returned nothing")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Broker.APIKeyEnv, "")
	t.Setenv(cfg.Broker.AccessTokenEnv, "")
	if _, err := cfg.Credentials(); !errors.Is(err, apperrors.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}

	t.Setenv(cfg.Broker.APIKeyEnv, "key")
	t.Setenv(cfg.Broker.AccessTokenEnv, "token")
	creds, err := cfg.Credentials()
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.APIKey != "key" || creds.AccessToken != "token" {
		t.Errorf("unexpected creds %+v", creds)
	}
}
