package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rsi-trader/internal/config"
	"rsi-trader/internal/feed"
	"rsi-trader/internal/models"
)

func newDataCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Historical data management",
		Long:  "Fetch bars and export them as CSV files the csv source can replay.",
	}
	cmd.AddCommand(newDataFetchCmd(app))
	return cmd
}

func newDataFetchCmd(app *App) *cobra.Command {
	var (
		o   Overrides
		out string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch bars and write one CSV file per symbol",
		Example: `  trader data fetch --source kite --symbols INFY,TCS --from 2023-01-01 --to 2023-12-31
  trader data fetch --source synthetic --out ./testdata`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o.Mode = config.ModeBacktest
			if err := app.setup(ctx, o); err != nil {
				return err
			}
			defer app.Close()
			if app.Config.Backtest.Source == "csv" {
				return fmt.Errorf("data fetch needs --source synthetic or kite")
			}
			output := NewOutput(cmd)

			if out == "" {
				out = app.Config.Backtest.DataDir
			}
			src, err := app.barSource(app.Config.Backtest.Source)
			if err != nil {
				return err
			}
			from, to, err := app.Config.Backtest.Range()
			if err != nil {
				return err
			}

			sink := feed.NewCSVSource(out)
			type written struct {
				Symbol string `json:"symbol"`
				Bars   int    `json:"bars"`
				Path   string `json:"path"`
			}
			var results []written
			for _, sym := range app.Config.Symbols {
				raw, err := src.Bars(ctx, sym, from, to)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", sym, err)
				}
				bars, gaps := feed.Prepare(sym, raw)
				for _, g := range gaps {
					app.Logger.Warn().Err(g).Str("symbol", sym).Msg("Dropped bar")
				}
				path, err := sink.Write(sym, bars)
				if err != nil {
					return err
				}
				results = append(results, written{Symbol: sym, Bars: len(bars), Path: path})
				if !output.IsJSON() {
					output.Success("✓ %s: %d bars %s", sym, len(bars), barSpan(bars))
				}
			}

			if output.IsJSON() {
				return output.JSON(results)
			}
			output.Dim("Written to %s", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.Symbols, "symbols", "", "comma-separated symbols (overrides config)")
	cmd.Flags().StringVar(&o.From, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.To, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.Source, "source", "", "bar source: synthetic or kite")
	cmd.Flags().StringVar(&out, "out", "", "output directory (default: backtest.data_dir)")

	return cmd
}

func barSpan(bars []models.Bar) string {
	if len(bars) == 0 {
		return ""
	}
	return fmt.Sprintf("(%s to %s)", bars[0].Timestamp.Format("2006-01-02"), bars[len(bars)-1].Timestamp.Format("2006-01-02"))
}
