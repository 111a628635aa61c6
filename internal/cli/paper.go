package cli

import (
	"github.com/spf13/cobra"

	"rsi-trader/internal/broker"
	"rsi-trader/internal/config"
	"rsi-trader/internal/engine"
	"rsi-trader/internal/execution"
	"rsi-trader/internal/feed"
)

func newPaperCmd(app *App) *cobra.Command {
	var (
		o         Overrides
		maxCycles int
		chart     bool
		showLog   int
	)

	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Trade live quotes against the simulated broker",
		Long: `Poll quotes for every configured symbol and trade them against an
in-process paper broker. Each symbol runs independently; fills arrive
asynchronously after the configured latency.

Press Ctrl-C to stop. No new orders are placed after that, orders already
sent are awaited up to the fill timeout, then the report is printed.`,
		Example: `  trader paper
  trader paper --symbols INFY --max-cycles 30
  TRADER_PAPER_QUOTE_SOURCE=kite trader paper`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o.Mode = config.ModePaper
			if err := app.setup(ctx, o); err != nil {
				return err
			}
			defer app.Close()
			cfg := app.Config
			if cmd.Flags().Changed("max-cycles") {
				cfg.Paper.MaxCycles = maxCycles
			}
			output := NewOutput(cmd)

			quoter, prices, err := app.quoter()
			if err != nil {
				return err
			}

			feeds := make(map[string]feed.Feed, len(cfg.Symbols))
			for _, sym := range cfg.Symbols {
				feeds[sym] = feed.NewPollingFeed(sym, quoter, feed.PollingConfig{
					Interval:     cfg.Paper.PollInterval,
					SkipWeekends: cfg.Paper.SkipWeekends,
					MaxBars:      cfg.Paper.MaxCycles,
				}, app.Logger)
			}

			b := broker.NewPaperBroker(broker.PaperBrokerConfig{
				Symbols:          cfg.Symbols,
				InitialCash:      cfg.Paper.InitialCash,
				FillLatency:      cfg.Paper.FillLatency,
				PartialFillRatio: cfg.Paper.PartialFillRatio,
				FailureRate:      cfg.Paper.FailureRate,
				Seed:             cfg.Paper.Seed,
				Prices:           prices,
				Fees:             execution.CostModelFromConfig(cfg.Execution.Costs).Fees,
			}, app.Logger)
			defer b.Close()

			if !output.IsJSON() {
				output.Info("Paper trading %v every %s (Ctrl-C to stop)", cfg.Symbols, cfg.Paper.PollInterval)
			}

			e, err := engine.New(cfg, app.Logger, app.engineOptions()...)
			if err != nil {
				return err
			}
			rep, err := e.Run(ctx, engine.Inputs{Feeds: feeds, Broker: b, Sink: b})
			if rep != nil {
				if perr := printReport(output, rep, chart, showLog); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&o.Symbols, "symbols", "", "comma-separated symbols (overrides config)")
	cmd.Flags().StringVar(&o.Strategy, "strategy", "", "strategy: momentum or mean_reversion")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "stop each symbol after this many bars (0 runs until stopped)")
	cmd.Flags().BoolVar(&chart, "chart", false, "draw the equity curve")
	cmd.Flags().IntVar(&showLog, "log", 20, "trade log entries to print (0 for none, -1 for all)")

	return cmd
}

// quoter builds the configured quote source. The second value, when set, is
// what the paper broker prices fills from; a random walk must not be
// advanced by the broker, so the broker uses the prices the feed reports.
func (app *App) quoter() (feed.Quoter, broker.PriceSource, error) {
	cfg := app.Config
	switch cfg.Paper.QuoteSource {
	case "kite":
		creds, err := cfg.Credentials()
		if err != nil {
			return nil, nil, err
		}
		q := feed.NewKiteQuoter(feed.NewKiteClient(creds.APIKey, creds.AccessToken), cfg.Broker.Exchange)
		return q, q, nil
	default:
		return feed.NewRandomWalkQuoter(cfg.Paper.Seed, 0.01, nil), nil, nil
	}
}
