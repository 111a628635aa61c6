package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"rsi-trader/internal/models"
	"rsi-trader/internal/portfolio"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func snap(i int, equity float64) models.PortfolioSnapshot {
	return models.PortfolioSnapshot{Seq: int64(i), Timestamp: t0.AddDate(0, 0, i), Equity: equity, Cash: equity}
}

func TestEquityCurveCollapsesSameTimestamp(t *testing.T) {
	history := []models.PortfolioSnapshot{snap(0, 100), snap(1, 101), snap(1, 102), snap(2, 99)}
	curve := EquityCurve(history)
	if len(curve) != 3 {
		t.Fatalf("expected 3 points, got %d", len(curve))
	}
	if curve[1].Equity != 102 {
		t.Errorf("point 1 equity = %v, want the last value 102", curve[1].Equity)
	}
}

func TestMaxDrawdown(t *testing.T) {
	curve := []EquityPoint{{Equity: 100}, {Equity: 120}, {Equity: 90}, {Equity: 130}, {Equity: 117}}
	if got := MaxDrawdownPct(curve); math.Abs(got-25) > 1e-9 {
		t.Errorf("MaxDrawdownPct = %v, want 25", got)
	}
	if got := MaxDrawdownPct(nil); got != 0 {
		t.Errorf("empty drawdown = %v", got)
	}
}

func TestSharpeRatio(t *testing.T) {
	flat := []EquityPoint{{Equity: 100}, {Equity: 100}, {Equity: 100}}
	if got := SharpeRatio(flat); got != 0 {
		t.Errorf("flat Sharpe = %v, want 0", got)
	}

	// returns +10% and -10%: mean 0
	zero := []EquityPoint{{Equity: 100}, {Equity: 110}, {Equity: 99}}
	if got := SharpeRatio(zero); math.Abs(got) > 1e-9 {
		t.Errorf("zero-mean Sharpe = %v", got)
	}

	// returns 1% and 3%: mean 2%, sample std sqrt(2)%
	up := []EquityPoint{{Equity: 100}, {Equity: 101}, {Equity: 104.03}}
	want := math.Sqrt(252) * 0.02 / (math.Sqrt2 * 0.01)
	if got := SharpeRatio(up); math.Abs(got-want) > 1e-6 {
		t.Errorf("Sharpe = %v, want %v", got, want)
	}
}

func TestBuildCountsTradesAndLog(t *testing.T) {
	fills := []models.Fill{
		{ID: "f1", Symbol: "INFY", Side: models.SideBuy, Quantity: 10, Price: 100, Timestamp: t0},
		{ID: "f2", Symbol: "INFY", Side: models.SideSell, Quantity: 10, Price: 110, Timestamp: t0.AddDate(0, 0, 1)},
		{ID: "f3", Symbol: "TCS", Side: models.SideBuy, Quantity: 5, Price: 200, Timestamp: t0.AddDate(0, 0, 2)},
		{ID: "f4", Symbol: "TCS", Side: models.SideSell, Quantity: 5, Price: 190, Timestamp: t0.AddDate(0, 0, 3)},
	}

	history := []models.PortfolioSnapshot{portfolio.Initial(10000, t0)}
	for _, f := range fills {
		next, err := portfolio.Apply(history[len(history)-1], f, false)
		if err != nil {
			t.Fatal(err)
		}
		history = append(history, next)
	}

	log := []models.TradeLogEntry{
		{Kind: models.LogFill}, {Kind: models.LogRejection}, {Kind: models.LogRejection},
		{Kind: models.LogError}, {Kind: models.LogDataGap}, {Kind: models.LogCancel},
	}
	r := Build(Input{
		RunID: "bt-1", Mode: "backtest", Strategy: "momentum", Symbols: []string{"TCS", "INFY"},
		InitialCash: 10000, History: history, Fills: fills, TradeLog: log,
	})

	if r.TradeCount != 4 || r.RoundTrips != 2 || r.Wins != 1 || r.WinRate != 50 {
		t.Errorf("trades=%d trips=%d wins=%d rate=%v", r.TradeCount, r.RoundTrips, r.Wins, r.WinRate)
	}
	if r.Rejections != 2 || r.Errors != 1 || r.DataGaps != 1 || r.Cancels != 1 {
		t.Errorf("log counts: %+v", r)
	}
	if r.FinalEquity != 10050 || math.Abs(r.TotalReturnPct-0.5) > 1e-9 {
		t.Errorf("equity=%v return=%v", r.FinalEquity, r.TotalReturnPct)
	}
	if r.Symbols[0] != "INFY" || len(r.Positions) != 0 {
		t.Errorf("symbols=%v positions=%v", r.Symbols, r.Positions)
	}
	if r.GeneratedAt != nil {
		t.Error("backtest report should carry no wall-clock time")
	}

	s := r.Summary()
	if s.TradeCount != 4 || s.FinalEquity != 10050 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRoundTripsSpanPartialExits(t *testing.T) {
	fill := func(id string, side models.Side, qty int64, price float64, day int) models.Fill {
		return models.Fill{ID: id, Symbol: "INFY", Side: side, Quantity: qty, Price: price, Timestamp: t0.AddDate(0, 0, day)}
	}

	// exit split into two halves: +50 then -50 nets to zero
	trips, wins := roundTrips(10000, []models.Fill{
		fill("f1", models.SideBuy, 10, 100, 0),
		fill("f2", models.SideSell, 5, 110, 1),
		fill("f3", models.SideSell, 5, 90, 2),
	})
	if trips != 1 || wins != 0 {
		t.Errorf("split exit: trips=%d wins=%d, want 1 and 0", trips, wins)
	}

	// a still-open remainder is not a finished trip
	trips, _ = roundTrips(10000, []models.Fill{
		fill("f1", models.SideBuy, 10, 100, 0),
		fill("f2", models.SideSell, 4, 120, 1),
	})
	if trips != 0 {
		t.Errorf("partial exit counted %d trips", trips)
	}

	// crossing zero closes the long and opens a short trip
	trips, wins = roundTrips(10000, []models.Fill{
		fill("f1", models.SideBuy, 10, 100, 0),
		fill("f2", models.SideSell, 15, 120, 1),
		fill("f3", models.SideBuy, 5, 110, 2),
	})
	if trips != 2 || wins != 2 {
		t.Errorf("crossing: trips=%d wins=%d, want 2 and 2", trips, wins)
	}
}

func TestBuildWithoutHistory(t *testing.T) {
	r := Build(Input{InitialCash: 5000})
	if r.FinalEquity != 5000 || r.TotalReturnPct != 0 || r.SharpeRatio != 0 {
		t.Errorf("unexpected report: %+v", r)
	}
	if _, err := r.JSON(); err != nil {
		t.Fatal(err)
	}
}

func TestProperty_BuildIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("same input gives byte-identical JSON", prop.ForAll(
		func(equities []float64) bool {
			history := make([]models.PortfolioSnapshot, len(equities))
			for i, e := range equities {
				history[i] = snap(i, e)
			}
			in := Input{RunID: "x", Strategy: "momentum", Symbols: []string{"B", "A"}, InitialCash: 1000, History: history}
			a, err1 := Build(in).JSON()
			b, err2 := Build(in).JSON()
			return err1 == nil && err2 == nil && bytes.Equal(a, b)
		},
		gen.SliceOf(gen.Float64Range(500, 2000)),
	))

	properties.Property("drawdown stays within [0, 100]", prop.ForAll(
		func(equities []float64) bool {
			curve := make([]EquityPoint, len(equities))
			for i, e := range equities {
				curve[i] = EquityPoint{Equity: e}
			}
			dd := MaxDrawdownPct(curve)
			return dd >= 0 && dd <= 100
		},
		gen.SliceOf(gen.Float64Range(0, 2000)),
	))

	properties.TestingRun(t)
}

func TestRunIDIsStable(t *testing.T) {
	a := RunID("bt", "momentum", 14, "INFY")
	b := RunID("bt", "momentum", 14, "INFY")
	c := RunID("bt", "momentum", 15, "INFY")
	if a != b || a == c {
		t.Errorf("RunID not stable: %s %s %s", a, b, c)
	}
	if !strings.HasPrefix(a, "bt-") || len(a) != len("bt-")+12 {
		t.Errorf("RunID format: %s", a)
	}
}

func TestCompareRanksBySharpe(t *testing.T) {
	rows := Compare([]*Report{
		{Strategy: "mean_reversion", SharpeRatio: 0.4},
		{Strategy: "momentum", SharpeRatio: 1.2},
		{Strategy: "alpha", SharpeRatio: 0.4},
	})
	want := []string{"momentum", "alpha", "mean_reversion"}
	for i, w := range want {
		if rows[i].Strategy != w {
			t.Errorf("rank %d = %s, want %s", i+1, rows[i].Strategy, w)
		}
	}
	table := FormatComparison(rows)
	if !strings.Contains(table, "momentum") || strings.Count(table, "\n") != 4 {
		t.Errorf("unexpected table:\n%s", table)
	}
}

func TestRenderEquityCurve(t *testing.T) {
	if got := RenderEquityCurve(nil, 10, 5); !strings.Contains(got, "No data") {
		t.Errorf("empty curve rendered %q", got)
	}
	curve := []EquityPoint{{Equity: 100}, {Equity: 110}, {Equity: 105}, {Equity: 120}}
	out := RenderEquityCurve(curve, 20, 6)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 6+3 {
		t.Fatalf("expected 9 lines, got %d:\n%s", len(lines), out)
	}
	if strings.Count(out, "█") != 4 {
		t.Errorf("expected one mark per point:\n%s", out)
	}
}
