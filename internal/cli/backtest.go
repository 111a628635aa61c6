package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"rsi-trader/internal/config"
	"rsi-trader/internal/engine"
	"rsi-trader/internal/feed"
	"rsi-trader/internal/models"
	"rsi-trader/internal/report"
)

func newBacktestCmd(app *App) *cobra.Command {
	var (
		o       Overrides
		chart   bool
		showLog int
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical bars through the strategy",
		Long: `Replay historical bars for every configured symbol through the RSI
strategy, risk checks and the fill simulator, then print the run report.

Orders fill at the next bar's open, adjusted for spread and slippage.
The same configuration and data always produce the same report.`,
		Example: `  trader backtest
  trader backtest --symbols INFY,TCS --from 2023-01-01 --to 2023-06-30
  trader backtest --strategy mean_reversion --source csv --chart
  trader backtest --json > report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o.Mode = config.ModeBacktest
			if err := app.setup(ctx, o); err != nil {
				return err
			}
			defer app.Close()
			if noCache {
				app.Config.Backtest.Cache = false
			}
			output := NewOutput(cmd)

			data, gaps, err := app.loadBars(ctx)
			if err != nil {
				return err
			}

			e, err := engine.New(app.Config, app.Logger, app.engineOptions()...)
			if err != nil {
				return err
			}
			rep, err := e.Run(ctx, engine.Inputs{Data: data, Gaps: gaps})
			if rep != nil {
				if perr := printReport(output, rep, chart, showLog); perr != nil {
					return perr
				}
			}
			if errors.Is(err, context.Canceled) {
				output.Warning("Interrupted: report covers the bars replayed so far")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&o.Symbols, "symbols", "", "comma-separated symbols (overrides config)")
	cmd.Flags().StringVar(&o.Strategy, "strategy", "", "strategy: momentum or mean_reversion")
	cmd.Flags().StringVar(&o.From, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.To, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.Source, "source", "", "bar source: synthetic, csv or kite")
	cmd.Flags().BoolVar(&chart, "chart", false, "draw the equity curve")
	cmd.Flags().IntVar(&showLog, "log", 20, "trade log entries to print (0 for none, -1 for all)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the SQLite bar cache")

	return cmd
}

func newCompareCmd(app *App) *cobra.Command {
	var o Overrides

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Backtest every strategy on the same bars and rank them",
		Long:  "Run a backtest per strategy over identical data and rank the results by Sharpe ratio.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o.Mode = config.ModeBacktest
			if err := app.setup(ctx, o); err != nil {
				return err
			}
			defer app.Close()
			output := NewOutput(cmd)

			data, gaps, err := app.loadBars(ctx)
			if err != nil {
				return err
			}

			var reports []*report.Report
			for _, name := range []string{config.StrategyMomentum, config.StrategyMeanReversion} {
				cfg := *app.Config
				cfg.Strategy.Name = name
				e, err := engine.New(&cfg, app.Logger, app.engineOptions()...)
				if err != nil {
					return err
				}
				rep, err := e.Backtest(ctx, data, gaps)
				if err != nil {
					return fmt.Errorf("%s backtest: %w", name, err)
				}
				reports = append(reports, rep)
			}

			rows := report.Compare(reports)
			if output.IsJSON() {
				return output.JSON(rows)
			}
			output.Bold("Strategy comparison (%s to %s)", app.Config.Backtest.From, app.Config.Backtest.To)
			output.Println()
			output.Printf("%s", report.FormatComparison(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&o.Symbols, "symbols", "", "comma-separated symbols (overrides config)")
	cmd.Flags().StringVar(&o.From, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.To, "to", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&o.Source, "source", "", "bar source: synthetic, csv or kite")

	return cmd
}

// loadBars reads and prepares the configured window for every symbol.
func (app *App) loadBars(ctx context.Context) (map[string][]models.Bar, []error, error) {
	cfg := app.Config
	src, err := app.barSource(cfg.Backtest.Source)
	if err != nil {
		return nil, nil, err
	}
	from, to, err := cfg.Backtest.Range()
	if err != nil {
		return nil, nil, err
	}

	data, gaps, err := feed.Load(ctx, src, cfg.Symbols, from, to)
	if err != nil {
		return nil, nil, err
	}
	total := 0
	for _, bars := range data {
		total += len(bars)
	}
	app.Logger.Info().
		Str("source", src.Name()).
		Int("symbols", len(data)).
		Int("bars", total).
		Int("gaps", len(gaps)).
		Msg("Bars loaded")
	return data, gaps, nil
}

// barSource builds the named source. Kite candles go through the SQLite
// cache when caching is on and the journal database is available.
func (app *App) barSource(name string) (feed.Source, error) {
	cfg := app.Config
	switch name {
	case "synthetic":
		return feed.NewSyntheticSource(cfg.Backtest.Seed), nil
	case "csv":
		return feed.NewCSVSource(cfg.Backtest.DataDir), nil
	case "kite":
		creds, err := cfg.Credentials()
		if err != nil {
			return nil, err
		}
		var src feed.Source = feed.NewKiteSource(feed.NewKiteClient(creds.APIKey, creds.AccessToken), cfg.Broker.Exchange)
		if cfg.Backtest.Cache && app.Store != nil {
			src = feed.NewCachedSource(src, app.Store, app.Logger)
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown bar source %q", name)
}

// engineOptions wires the shared dependencies into an engine.
func (app *App) engineOptions() []engine.Option {
	opts := []engine.Option{engine.WithMetrics(app.Metrics), engine.WithPublisher(app.Publisher)}
	if app.Store != nil {
		opts = append(opts, engine.WithJournal(app.Store))
	}
	return opts
}
