package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rsi-trader/internal/models"
	"rsi-trader/internal/report"
	"rsi-trader/internal/store"
	"rsi-trader/pkg/utils"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Review journaled runs",
		Long:  "List past runs and inspect their trade logs and equity history from the SQLite journal.",
	}

	cmd.AddCommand(newJournalRunsCmd(app))
	cmd.AddCommand(newJournalEntriesCmd(app))
	cmd.AddCommand(newJournalEquityCmd(app))

	return cmd
}

// openJournal loads the configuration and requires the journal database.
func (app *App) openJournal(cmd *cobra.Command) error {
	if err := app.setup(cmd.Context(), Overrides{}); err != nil {
		return err
	}
	if app.Store == nil {
		return fmt.Errorf("journal database unavailable (storage.sqlite_path = %q)", app.Config.Storage.SQLitePath)
	}
	return nil
}

func newJournalRunsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.openJournal(cmd); err != nil {
				return err
			}
			defer app.Close()
			output := NewOutput(cmd)

			runs, err := app.Store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Info("No runs journaled yet.")
				return nil
			}

			table := NewTable(output, "Run", "Mode", "Strategy", "Symbols", "Started", "Status", "Initial", "Final", "Return")
			for _, r := range runs {
				ret := "-"
				if r.Status != store.RunRunning && r.InitialCash > 0 {
					ret = output.FormatPercent((r.FinalEquity - r.InitialCash) / r.InitialCash * 100)
				}
				table.AddRow(
					r.ID,
					r.Mode,
					r.Strategy,
					strings.Join(r.Symbols, ","),
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					runStatus(output, r.Status),
					utils.FormatMoney(r.InitialCash),
					utils.FormatMoney(r.FinalEquity),
					ret,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func runStatus(output *Output, status string) string {
	switch status {
	case store.RunCompleted:
		return output.Green(status)
	case store.RunFailed:
		return output.Red(status)
	default:
		return output.Yellow(status)
	}
}

func newJournalEntriesCmd(app *App) *cobra.Command {
	var filter store.EntryFilter
	var kind string

	cmd := &cobra.Command{
		Use:   "entries [run-id]",
		Short: "Show trade log entries",
		Example: `  trader journal entries bt-3f9a1c2d4e5b
  trader journal entries --symbol INFY --kind fill -n 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.openJournal(cmd); err != nil {
				return err
			}
			defer app.Close()
			output := NewOutput(cmd)

			if len(args) == 1 {
				filter.RunID = args[0]
			}
			filter.Symbol = strings.ToUpper(filter.Symbol)
			filter.Kind = models.TradeLogKind(kind)

			entries, err := app.Store.Entries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Info("No matching entries.")
				return nil
			}
			renderTradeLog(output, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Symbol, "symbol", "", "only this symbol")
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind: fill, rejection, cancel, error, data_gap")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "maximum entries")
	return cmd
}

func newJournalEquityCmd(app *App) *cobra.Command {
	var width, height int

	cmd := &cobra.Command{
		Use:   "equity <run-id>",
		Short: "Chart a run's equity from its snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.openJournal(cmd); err != nil {
				return err
			}
			defer app.Close()
			output := NewOutput(cmd)

			snaps, err := app.Store.Snapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			curve := report.EquityCurve(snaps)
			if output.IsJSON() {
				return output.JSON(curve)
			}
			if len(curve) == 0 {
				output.Info("Run %s has no snapshots.", args[0])
				return nil
			}
			output.Printf("%s", report.RenderEquityCurve(curve, width, height))
			output.Printf("Max drawdown: %.2f%%  Sharpe: %.2f\n", report.MaxDrawdownPct(curve), report.SharpeRatio(curve))
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 60, "chart width")
	cmd.Flags().IntVar(&height, "height", 12, "chart height")
	return cmd
}
