package cli

import (
	"fmt"
	"strings"

	"rsi-trader/internal/models"
	"rsi-trader/internal/report"
	"rsi-trader/pkg/utils"
)

// printReport writes rep as JSON, or as a summary box followed by the last
// logLimit trade log entries and, when chart is set, the equity curve.
func printReport(output *Output, rep *report.Report, chart bool, logLimit int) error {
	if output.IsJSON() {
		data, err := rep.JSON()
		if err != nil {
			return err
		}
		output.Raw(append(data, '\n'))
		return nil
	}

	period := "-"
	if !rep.Start.IsZero() {
		period = fmt.Sprintf("%s to %s", rep.Start.Format("2006-01-02"), rep.End.Format("2006-01-02"))
	}
	output.Println()
	output.Box(fmt.Sprintf("%s run %s", capitalize(rep.Mode), rep.RunID), []string{
		fmt.Sprintf("Strategy:       %s", rep.Strategy),
		fmt.Sprintf("Symbols:        %s", strings.Join(rep.Symbols, ", ")),
		fmt.Sprintf("Period:         %s", period),
		fmt.Sprintf("Initial cash:   %s", utils.FormatMoney(rep.InitialCash)),
		fmt.Sprintf("Final equity:   %s", utils.FormatMoney(rep.FinalEquity)),
		fmt.Sprintf("Total return:   %s", output.FormatPercent(rep.TotalReturnPct)),
		fmt.Sprintf("Realized P&L:   %s", output.FormatPnL(rep.RealizedPnL)),
		fmt.Sprintf("Fees:           %s", utils.FormatMoney(rep.Fees)),
		fmt.Sprintf("Max drawdown:   %.2f%%", rep.MaxDrawdownPct),
		fmt.Sprintf("Sharpe ratio:   %.2f", rep.SharpeRatio),
		fmt.Sprintf("Win rate:       %.1f%% (%d of %d round trips)", rep.WinRate, rep.Wins, rep.RoundTrips),
		fmt.Sprintf("Fills:          %d", rep.TradeCount),
		fmt.Sprintf("Rejections:     %d  Cancels: %d  Errors: %d  Data gaps: %d", rep.Rejections, rep.Cancels, rep.Errors, rep.DataGaps),
	})

	if len(rep.Positions) > 0 {
		output.Println()
		output.Bold("Open positions")
		table := NewTable(output, "Symbol", "Qty", "Avg price", "Last", "Unrealized")
		for _, p := range rep.Positions {
			table.AddRow(p.Symbol, utils.FormatQuantity(p.Quantity), utils.FormatMoney(p.AvgEntryPrice),
				utils.FormatMoney(p.LastPrice), output.FormatPnL(p.UnrealizedPnL()))
		}
		table.Render()
	}

	if logLimit != 0 && len(rep.TradeLog) > 0 {
		entries := rep.TradeLog
		if logLimit > 0 && len(entries) > logLimit {
			entries = entries[len(entries)-logLimit:]
			output.Println()
			output.Bold("Trade log (last %d of %d)", logLimit, len(rep.TradeLog))
		} else {
			output.Println()
			output.Bold("Trade log")
		}
		renderTradeLog(output, entries)
	}

	if chart {
		output.Println()
		output.Printf("%s", report.RenderEquityCurve(rep.EquityCurve, 60, 12))
	}
	return nil
}

func renderTradeLog(output *Output, entries []models.TradeLogEntry) {
	table := NewTable(output, "Time", "Symbol", "Kind", "Side", "Qty", "Price", "P&L", "Order / Reason")
	for _, e := range entries {
		qty, price, pnl := "", "", ""
		if e.Quantity != 0 {
			qty = utils.FormatQuantity(e.Quantity)
		}
		if e.Price != 0 {
			price = utils.FormatMoney(e.Price)
		}
		if e.RealizedPnL != 0 {
			pnl = output.FormatPnL(e.RealizedPnL)
		}
		detail := e.OrderID
		if e.Reason != "" {
			detail = truncate(e.Reason, 48)
		}
		table.AddRow(
			e.Timestamp.Format("2006-01-02 15:04"),
			e.Symbol,
			logKind(output, e.Kind),
			string(e.Side),
			qty,
			price,
			pnl,
			detail,
		)
	}
	table.Render()
}

func logKind(output *Output, kind models.TradeLogKind) string {
	switch kind {
	case models.LogFill:
		return output.Green(string(kind))
	case models.LogRejection, models.LogCancel:
		return output.Yellow(string(kind))
	case models.LogError:
		return output.Red(string(kind))
	default:
		return output.DimText(string(kind))
	}
}

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
