package report

import (
	"fmt"
	"sort"
	"strings"

	"rsi-trader/pkg/utils"
)

// RenderEquityCurve draws the curve as a width x height block chart.
func RenderEquityCurve(curve []EquityPoint, width, height int) string {
	if len(curve) == 0 {
		return "No data to display\n"
	}
	if width <= 0 {
		width = 60
	}
	if height <= 0 {
		height = 12
	}

	minEquity, maxEquity := curve[0].Equity, curve[0].Equity
	for _, p := range curve {
		if p.Equity < minEquity {
			minEquity = p.Equity
		}
		if p.Equity > maxEquity {
			maxEquity = p.Equity
		}
	}
	span := maxEquity - minEquity
	if span == 0 {
		span = 1
	}
	minEquity -= span * 0.05
	maxEquity += span * 0.05
	span = maxEquity - minEquity

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}

	// Sample evenly so the last point is always drawn.
	cols := width
	if len(curve) < cols {
		cols = len(curve)
	}
	for x := 0; x < cols; x++ {
		idx := 0
		if cols > 1 {
			idx = x * (len(curve) - 1) / (cols - 1)
		}
		y := int((curve[idx].Equity - minEquity) / span * float64(height-1))
		if y >= 0 && y < height {
			grid[height-1-y][x] = '█'
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Equity Curve (%s - %s)\n", utils.FormatMoney(minEquity), utils.FormatMoney(maxEquity))
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	for _, row := range grid {
		sb.WriteRune('│')
		sb.WriteString(string(row))
		sb.WriteString("│\n")
	}
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	return sb.String()
}

// Comparison is one row of a strategy comparison table.
type Comparison struct {
	Strategy       string  `json:"strategy"`
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRate        float64 `json:"win_rate"`
	TradeCount     int     `json:"trade_count"`
	FinalEquity    float64 `json:"final_equity"`
}

// Compare ranks reports by Sharpe ratio, best first. Ties keep strategy name order.
func Compare(reports []*Report) []Comparison {
	out := make([]Comparison, 0, len(reports))
	for _, r := range reports {
		out = append(out, Comparison{
			Strategy:       r.Strategy,
			TotalReturnPct: r.TotalReturnPct,
			SharpeRatio:    r.SharpeRatio,
			MaxDrawdownPct: r.MaxDrawdownPct,
			WinRate:        r.WinRate,
			TradeCount:     r.TradeCount,
			FinalEquity:    r.FinalEquity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SharpeRatio != out[j].SharpeRatio {
			return out[i].SharpeRatio > out[j].SharpeRatio
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

// FormatComparison renders comparisons as an aligned text table.
func FormatComparison(rows []Comparison) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-4s %-16s %10s %8s %10s %9s %7s\n", "RANK", "STRATEGY", "RETURN", "SHARPE", "MAX DD", "WIN RATE", "TRADES")
	for i, c := range rows {
		fmt.Fprintf(&sb, "%-4d %-16s %10s %8.2f %10s %9s %7d\n",
			i+1, c.Strategy,
			utils.FormatPercent(c.TotalReturnPct),
			c.SharpeRatio,
			utils.FormatPercent(-c.MaxDrawdownPct),
			fmt.Sprintf("%.1f%%", c.WinRate),
			c.TradeCount)
	}
	return sb.String()
}
