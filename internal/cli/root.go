// Package cli provides the command-line interface for the trading application.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rsi-trader/internal/config"
	"rsi-trader/internal/events"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/metrics"
	"rsi-trader/internal/store"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the application dependencies. They are built lazily by setup so
// that commands like version and config init work without a valid config.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Store     *store.SQLiteStore
	Publisher events.Publisher

	configPath string
	debug      bool
	closers    []func() error
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "RSI trading framework: backtests and paper trading",
		Long: `RSI Trader runs RSI-driven strategies over historical bars or live
paper quotes.

Backtests replay bars from a synthetic generator, CSV files or Kite
historical candles, and produce a deterministic report. Paper runs poll
quotes and trade against an in-process simulated broker.

Configuration is read from trader.yaml in the config directory and can be
overridden with TRADER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "config file or directory (default: ~/.config/rsi-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&app.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newCompareCmd(app))
	rootCmd.AddCommand(newPaperCmd(app))
	rootCmd.AddCommand(newDataCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// Overrides are command-line values that replace configuration fields.
type Overrides struct {
	Mode     string
	Symbols  string
	Strategy string
	From     string
	To       string
	Source   string
}

func (o Overrides) apply(cfg *config.Config) {
	if o.Mode != "" {
		cfg.Mode = o.Mode
	}
	if o.Symbols != "" {
		var symbols []string
		for _, s := range strings.Split(o.Symbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Symbols = symbols
	}
	if o.Strategy != "" {
		cfg.Strategy.Name = strings.ToLower(o.Strategy)
	}
	if o.From != "" {
		cfg.Backtest.From = o.From
	}
	if o.To != "" {
		cfg.Backtest.To = o.To
	}
	if o.Source != "" {
		cfg.Backtest.Source = o.Source
	}
}

// setup loads and validates the configuration and builds the shared
// dependencies. Storage and events failures degrade to warnings.
func (app *App) setup(ctx context.Context, o Overrides) error {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	app.Config = cfg

	logCfg := logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}
	if app.debug {
		logCfg.Level = "debug"
	}
	app.Logger = logging.NewLoggerWithConfig(logCfg)
	if cfg.Source != "" {
		app.Logger.Debug().Str("path", cfg.Source).Msg("Configuration loaded")
	} else {
		app.Logger.Debug().Msg("No config file found, using defaults")
	}

	app.Metrics = metrics.New()
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, app.Metrics, app.Logger)
		srvCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- srv.Run(srvCtx) }()
		app.closers = append(app.closers, func() error {
			stop()
			return <-done
		})
	}

	if err := app.openStore(); err != nil {
		app.Logger.Warn().Err(err).Msg("Journal unavailable, continuing without it")
	}

	pub, err := events.New(cfg.Events, app.Logger)
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Event stream unavailable, continuing without it")
		pub = events.Nop{}
	}
	app.Publisher = pub
	app.closers = append(app.closers, pub.Close)

	return nil
}

func (app *App) openStore() error {
	path := app.Config.Storage.SQLitePath
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	app.Store = s
	app.closers = append(app.closers, s.Close)
	return nil
}

// Close releases everything setup opened, in reverse order.
func (app *App) Close() error {
	var first error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	app.closers = nil
	return first
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("RSI Trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}
