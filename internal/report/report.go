// Package report computes run performance from portfolio history.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"rsi-trader/internal/models"
	"rsi-trader/internal/portfolio"
)

// tradingDaysPerYear annualizes the Sharpe ratio of daily returns.
const tradingDaysPerYear = 252

// Report is the final summary of a run.
type Report struct {
	RunID    string   `json:"run_id"`
	Mode     string   `json:"mode"`
	Strategy string   `json:"strategy"`
	Symbols  []string `json:"symbols"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	InitialCash    float64 `json:"initial_cash"`
	FinalEquity    float64 `json:"final_equity"`
	FinalCash      float64 `json:"final_cash"`
	TotalReturnPct float64 `json:"total_return_pct"`
	RealizedPnL    float64 `json:"realized_pnl"`
	Fees           float64 `json:"fees"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`

	TradeCount int `json:"trade_count"`
	RoundTrips int `json:"round_trips"`
	Wins       int `json:"wins"`
	Rejections int `json:"rejections"`
	Cancels    int `json:"cancels"`
	Errors     int `json:"errors"`
	DataGaps   int `json:"data_gaps"`

	Positions []models.Position      `json:"positions"`
	TradeLog  []models.TradeLogEntry `json:"trade_log"`

	// GeneratedAt is wall-clock time and left zero for backtests.
	GeneratedAt *time.Time `json:"generated_at,omitempty"`

	EquityCurve []EquityPoint `json:"-"`
}

// EquityPoint is the account equity at the close of one timestamp.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Input is everything Build needs from a finished run.
type Input struct {
	RunID       string
	Mode        string
	Strategy    string
	Symbols     []string
	InitialCash float64
	History     []models.PortfolioSnapshot
	Fills       []models.Fill
	TradeLog    []models.TradeLogEntry
	GeneratedAt time.Time
}

// Summary is the short form printed at the end of a run.
type Summary struct {
	FinalEquity    float64 `json:"final_equity"`
	TotalReturnPct float64 `json:"total_return_pct"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	TradeCount     int     `json:"trade_count"`
}

// Build computes the report. It depends only on its input, so identical
// inputs give identical reports.
func Build(in Input) *Report {
	symbols := append([]string(nil), in.Symbols...)
	sort.Strings(symbols)

	r := &Report{
		RunID:       in.RunID,
		Mode:        in.Mode,
		Strategy:    in.Strategy,
		Symbols:     symbols,
		InitialCash: in.InitialCash,
		FinalEquity: in.InitialCash,
		FinalCash:   in.InitialCash,
		TradeCount:  len(in.Fills),
		TradeLog:    append([]models.TradeLogEntry{}, in.TradeLog...),
		Positions:   []models.Position{},
	}
	if !in.GeneratedAt.IsZero() {
		ts := in.GeneratedAt.UTC()
		r.GeneratedAt = &ts
	}

	if n := len(in.History); n > 0 {
		last := in.History[n-1]
		r.Start = in.History[0].Timestamp
		r.End = last.Timestamp
		r.FinalEquity = last.Equity
		r.FinalCash = last.Cash
		r.RealizedPnL = last.RealizedPnL
		r.Fees = last.Fees
		for _, sym := range last.Symbols() {
			if p := last.Positions[sym]; p.IsOpen() {
				r.Positions = append(r.Positions, p)
			}
		}
	}
	if in.InitialCash > 0 {
		r.TotalReturnPct = (r.FinalEquity/in.InitialCash - 1) * 100
	}

	r.EquityCurve = EquityCurve(in.History)
	r.MaxDrawdownPct = MaxDrawdownPct(r.EquityCurve)
	r.SharpeRatio = SharpeRatio(r.EquityCurve)

	r.RoundTrips, r.Wins = roundTrips(in.InitialCash, in.Fills)
	if r.RoundTrips > 0 {
		r.WinRate = float64(r.Wins) / float64(r.RoundTrips) * 100
	}

	for _, e := range in.TradeLog {
		switch e.Kind {
		case models.LogRejection:
			r.Rejections++
		case models.LogCancel:
			r.Cancels++
		case models.LogError:
			r.Errors++
		case models.LogDataGap:
			r.DataGaps++
		}
	}
	return r
}

// roundTrips replays fills and counts trips per symbol. A trip opens on the
// first fill from flat and closes when the position returns to flat or
// changes sign; it is a win when its realized P&L summed over every
// reducing fill is positive.
func roundTrips(initialCash float64, fills []models.Fill) (trips, wins int) {
	snap := portfolio.Initial(initialCash, time.Time{})
	open := make(map[string]float64)
	for _, f := range fills {
		before := snap.Position(f.Symbol).Quantity
		next, err := portfolio.Apply(snap, f, true)
		if err != nil {
			continue
		}
		after := next.Position(f.Symbol).Quantity
		if before != 0 {
			open[f.Symbol] += next.RealizedPnL - snap.RealizedPnL
			if after == 0 || (before > 0) != (after > 0) {
				trips++
				if open[f.Symbol] > 0 {
					wins++
				}
				delete(open, f.Symbol)
			}
		}
		snap = next
	}
	return trips, wins
}

// EquityCurve keeps the last snapshot of every distinct timestamp, so
// several symbols marked on the same bar count as one observation.
func EquityCurve(history []models.PortfolioSnapshot) []EquityPoint {
	var curve []EquityPoint
	for _, s := range history {
		if n := len(curve); n > 0 && curve[n-1].Timestamp.Equal(s.Timestamp) {
			curve[n-1].Equity = s.Equity
			continue
		}
		curve = append(curve, EquityPoint{Timestamp: s.Timestamp, Equity: s.Equity})
	}
	return curve
}

// MaxDrawdownPct is the largest fall from a running peak, in percent.
func MaxDrawdownPct(curve []EquityPoint) float64 {
	peak, maxDD := 0.0, 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD * 100
}

// SharpeRatio annualizes the mean over the sample standard deviation of
// per-point returns. It is zero with fewer than two returns or no variance.
func SharpeRatio(curve []EquityPoint) float64 {
	var returns []float64
	for i := 1; i < len(curve); i++ {
		if prev := curve[i-1].Equity; prev > 0 {
			returns = append(returns, curve[i].Equity/prev-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std < 1e-12 {
		return 0
	}
	return math.Sqrt(tradingDaysPerYear) * mean / std
}

// Summary returns the headline numbers.
func (r *Report) Summary() Summary {
	return Summary{
		FinalEquity:    r.FinalEquity,
		TotalReturnPct: r.TotalReturnPct,
		WinRate:        r.WinRate,
		MaxDrawdownPct: r.MaxDrawdownPct,
		TradeCount:     r.TradeCount,
	}
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// RunID derives a stable run id from the values that determine a run's outcome.
func RunID(prefix string, parts ...interface{}) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return prefix + "-" + hex.EncodeToString(h.Sum(nil))[:12]
}
