package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rsi-trader/internal/report"
	"rsi-trader/internal/store"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "trader.db")
	body := fmt.Sprintf(`mode: backtest
symbols: [INFY, TCS]
backtest:
  source: synthetic
  data_dir: %q
  from: "2023-01-01"
  to: "2023-06-30"
storage:
  sqlite_path: %q
logging:
  level: error
  console: false
`, filepath.Join(dir, "data"), db)
	path := filepath.Join(dir, "trader.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := run(t, "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("bad JSON %q: %v", out, err)
	}
	if v["version"] != Version {
		t.Errorf("version = %q", v["version"])
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "config", "init", "--dir", dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "trader.yaml") {
		t.Errorf("init output %q", out)
	}
	if _, err := run(t, "config", "init", "--dir", dir); err == nil {
		t.Error("second init without --force should fail")
	}

	out, err = run(t, "config", "validate", "--config", filepath.Join(dir, "trader.yaml"))
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("mode: backtest\nstrategy:\n  rsi_period: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "config", "validate", "--config", bad); err == nil {
		t.Error("rsi_period 0 should not validate")
	}
}

func TestConfigShowRendersYAML(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rsi_period: 14") || !strings.Contains(out, "- INFY") {
		t.Errorf("unexpected config output:\n%s", out)
	}
}

func TestBacktestJSONIsReproducible(t *testing.T) {
	path, _ := writeConfig(t)

	first, err := run(t, "backtest", "--config", path, "--json")
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}
	second, err := run(t, "backtest", "--config", path, "--json")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("identical backtests printed different reports")
	}

	var rep report.Report
	if err := json.Unmarshal([]byte(first), &rep); err != nil {
		t.Fatalf("bad report JSON: %v", err)
	}
	if !strings.HasPrefix(rep.RunID, "bt-") || len(rep.Symbols) != 2 || rep.InitialCash != 100000 {
		t.Errorf("unexpected report: %+v", rep)
	}

	out, err := run(t, "journal", "runs", "--config", path, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var runs []store.RunRecord
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("bad runs JSON %q: %v", out, err)
	}
	if len(runs) != 1 || runs[0].ID != rep.RunID || runs[0].Status != store.RunCompleted {
		t.Errorf("journal runs = %+v", runs)
	}
}

func TestBacktestTextReport(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "backtest", "--config", path, "--symbols", "INFY", "--chart", "--no-color")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Backtest run bt-", "Final equity:", "Sharpe ratio:", "Equity Curve"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestCompareRanksStrategies(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "compare", "--config", path, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var rows []report.Comparison
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if len(rows) != 2 || rows[0].SharpeRatio < rows[1].SharpeRatio {
		t.Errorf("comparison rows = %+v", rows)
	}
}

func TestDataFetchWritesCSV(t *testing.T) {
	path, dir := writeConfig(t)
	if _, err := run(t, "data", "fetch", "--config", path, "--symbols", "INFY"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "INFY.csv")); err != nil {
		t.Fatalf("CSV not written: %v", err)
	}

	out, err := run(t, "backtest", "--config", path, "--source", "csv", "--symbols", "INFY", "--json")
	if err != nil {
		t.Fatalf("csv backtest: %v", err)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.End.IsZero() {
		t.Error("csv backtest replayed no bars")
	}

	if _, err := run(t, "data", "fetch", "--config", path, "--source", "csv"); err == nil {
		t.Error("fetching from the csv source should be refused")
	}
}

func TestUnknownStrategyFails(t *testing.T) {
	path, _ := writeConfig(t)
	if _, err := run(t, "backtest", "--config", path, "--strategy", "breakout"); err == nil {
		t.Error("expected an error for an unknown strategy")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("insufficient_cash: cash too low", 10); got != "insuffi..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
