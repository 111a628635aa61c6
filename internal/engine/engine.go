// Package engine runs the bar cycle: indicators, strategy, risk, execution
// and portfolio, for historical backtests and live paper trading.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rsi-trader/internal/broker"
	"rsi-trader/internal/config"
	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/events"
	"rsi-trader/internal/execution"
	"rsi-trader/internal/feed"
	"rsi-trader/internal/indicators"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/metrics"
	"rsi-trader/internal/models"
	"rsi-trader/internal/portfolio"
	"rsi-trader/internal/report"
	"rsi-trader/internal/risk"
	"rsi-trader/internal/store"
	"rsi-trader/internal/strategy"
)

// Engine owns one run. It is not reusable: build a new Engine per run.
type Engine struct {
	cfg        *config.Config
	strategy   strategy.Strategy
	risk       *risk.Manager
	indicators *indicators.Engine
	metrics    *metrics.Metrics
	journal    store.Journal
	publisher  events.Publisher
	logger     zerolog.Logger

	runID   string
	ledger  *portfolio.Ledger
	gateway *execution.Gateway

	mu       sync.Mutex
	tradeLog []models.TradeLogEntry
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics instruments the run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal persists the run's trade log and fill snapshots.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithPublisher publishes the run's orders, trade log and snapshots.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// StrategyParams converts the strategy section of the configuration.
func StrategyParams(c config.StrategyConfig) strategy.Params {
	return strategy.Params{
		Upper:        c.Upper,
		Lower:        c.Lower,
		Overbought:   c.Overbought,
		Oversold:     c.Oversold,
		TargetWeight: c.TargetWeight,
	}
}

// RiskLimits converts the risk section of the configuration.
func RiskLimits(c config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxPositionPct:    c.MaxPositionPct,
		MaxPositionQty:    c.MaxPositionQty,
		MaxOpenPositions:  c.MaxOpenPositions,
		CashReserveFactor: c.CashReserveFactor,
		AllowShort:        c.AllowShort,
	}
}

// New builds an engine from a validated configuration.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	strat, err := strategy.New(cfg.Strategy.Name, StrategyParams(cfg.Strategy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	ind, err := indicators.NewEngine(cfg.Strategy.RSIPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}

	e := &Engine{
		cfg:        cfg,
		strategy:   strat,
		risk:       risk.NewManager(RiskLimits(cfg.Risk), logger),
		indicators: ind,
		publisher:  events.Nop{},
		logger:     logging.WithComponent(logger, "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunID returns the id of the current run, empty before it starts.
func (e *Engine) RunID() string { return e.runID }

// TradeLog returns a copy of the trade log so far.
func (e *Engine) TradeLog() []models.TradeLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.TradeLogEntry, len(e.tradeLog))
	copy(out, e.tradeLog)
	return out
}

// Inputs carry what a run consumes: prepared bars and their data gaps for a
// backtest, feeds and a broker for a paper run.
type Inputs struct {
	Data   map[string][]models.Bar
	Gaps   []error
	Feeds  map[string]feed.Feed
	Broker broker.Broker
	Sink   PriceSink
}

// Run executes the run the configured mode asks for.
func (e *Engine) Run(ctx context.Context, in Inputs) (*report.Report, error) {
	switch e.cfg.Mode {
	case config.ModeBacktest:
		return e.Backtest(ctx, in.Data, in.Gaps)
	case config.ModePaper:
		if in.Broker == nil {
			return nil, fmt.Errorf("%w: paper run needs a broker", apperrors.ErrConfigInvalid)
		}
		return e.Paper(ctx, in.Feeds, in.Broker, in.Sink)
	}
	return nil, fmt.Errorf("%w: unknown mode %q", apperrors.ErrConfigInvalid, e.cfg.Mode)
}

func (e *Engine) start(ctx context.Context, mode string, initialCash float64) {
	e.logger = logging.WithRunID(e.logger, e.runID)
	e.logger.Info().
		Str("mode", mode).
		Str("strategy", e.strategy.Name()).
		Strs("symbols", e.cfg.Symbols).
		Float64("initial_cash", initialCash).
		Msg("Run started")

	if e.journal != nil {
		err := e.journal.StartRun(ctx, store.RunRecord{
			ID:          e.runID,
			Mode:        mode,
			Strategy:    e.strategy.Name(),
			Symbols:     e.cfg.Symbols,
			InitialCash: initialCash,
			Status:      store.RunRunning,
			StartedAt:   time.Now().UTC(),
		})
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to journal run start")
		}
	}
	e.publish(ctx, events.Event{Type: events.TypeRunStarted, RunID: e.runID, Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{"mode": mode, "strategy": e.strategy.Name(), "symbols": e.cfg.Symbols}})
}

func (e *Engine) finish(ctx context.Context, mode string, initialCash float64, generatedAt time.Time, runErr error) *report.Report {
	rep := report.Build(report.Input{
		RunID:       e.runID,
		Mode:        mode,
		Strategy:    e.strategy.Name(),
		Symbols:     e.cfg.Symbols,
		InitialCash: initialCash,
		History:     e.ledger.History(),
		Fills:       e.ledger.Fills(),
		TradeLog:    e.TradeLog(),
		GeneratedAt: generatedAt,
	})

	status := store.RunCompleted
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status = store.RunFailed
	}
	// The run context may already be cancelled; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	if e.journal != nil {
		if err := e.journal.FinishRun(ctx, e.runID, time.Now().UTC(), rep.FinalEquity, status); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to journal run finish")
		}
	}
	e.publish(ctx, events.Event{Type: events.TypeRunFinished, RunID: e.runID, Timestamp: time.Now().UTC(), Data: rep.Summary()})

	e.logger.Info().
		Str("status", status).
		Float64("final_equity", rep.FinalEquity).
		Float64("return_pct", rep.TotalReturnPct).
		Int("trades", rep.TradeCount).
		Int("rejections", rep.Rejections).
		Msg("Run finished")
	return rep
}

// cycle runs one bar through the pipeline. next is the following bar of the
// same symbol in backtests and nil in paper runs. The returned order is nil
// when no order was placed. Only portfolio consistency failures and
// cancellation are returned as errors; everything else lands in the trade log.
func (e *Engine) cycle(ctx context.Context, bar models.Bar, next *models.Bar) (*models.Order, error) {
	log := logging.WithSymbol(e.logger, bar.Symbol)
	e.metrics.Bar(bar.Symbol, bar.Timestamp)

	snap, err := e.indicators.Update(bar)
	if err != nil {
		e.dataGap(ctx, bar.Symbol, bar.Timestamp, err)
		return nil, nil
	}

	marked := e.ledger.Mark(bar.Symbol, bar.Close, bar.Timestamp)
	e.metrics.Portfolio(marked.Equity, marked.Cash, marked.OpenPositions())

	intent := e.strategy.Decide(snap, e.ledger.Position(bar.Symbol))
	if intent.IsHold() {
		return nil, nil
	}
	e.metrics.Intent(intent.Strategy, string(intent.Side))
	logging.LogIntent(log, intent.Symbol, string(intent.Side), snap.RSI.Value, intent.Reason)

	approved, err := e.risk.Validate(intent, e.ledger.Snapshot())
	if err != nil {
		e.reject(ctx, intent, err)
		return nil, nil
	}
	approved.FillBar = next

	order, err := e.gateway.Submit(ctx, approved)
	if err != nil {
		return order, e.submitFailed(ctx, intent, order, err)
	}
	e.publish(ctx, events.OrderEvent(e.runID, order))
	return order, nil
}

// settle books whatever part of order executed and records its outcome.
func (e *Engine) settle(ctx context.Context, order *models.Order) error {
	applied, err := e.ledger.ApplyFill(order)
	if err != nil {
		if apperrors.IsPortfolioConsistency(err) {
			e.record(ctx, models.TradeLogEntry{
				Timestamp: order.UpdatedAt, Symbol: order.Symbol, Kind: models.LogError, Side: order.Side,
				OrderID: order.ID, Quantity: order.FilledQty, Price: order.AvgFillPrice, Reason: err.Error(),
			})
			return err
		}
		e.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Order not settled")
		return nil
	}

	if applied.Fill != nil {
		f := applied.Fill
		e.record(ctx, models.TradeLogEntry{
			Timestamp:   f.Timestamp,
			Symbol:      f.Symbol,
			Kind:        models.LogFill,
			Side:        f.Side,
			OrderID:     f.OrderID,
			Quantity:    f.Quantity,
			Price:       f.Price,
			Fees:        f.Fees,
			RealizedPnL: applied.RealizedPnL,
		})
		e.snapshot(ctx, applied.Snapshot)
	}

	switch order.Status {
	case models.OrderCancelled:
		e.record(ctx, models.TradeLogEntry{
			Timestamp: order.UpdatedAt, Symbol: order.Symbol, Kind: models.LogCancel, Side: order.Side,
			OrderID: order.ID, Quantity: order.Quantity - order.FilledQty, Price: order.ReferencePrice, Reason: order.Reason,
		})
	case models.OrderRejected:
		e.record(ctx, models.TradeLogEntry{
			Timestamp: order.UpdatedAt, Symbol: order.Symbol, Kind: models.LogRejection, Side: order.Side,
			OrderID: order.ID, Quantity: order.Quantity, Price: order.ReferencePrice, Reason: order.Reason,
		})
	}
	if order.Status.IsTerminal() {
		e.publish(ctx, events.OrderEvent(e.runID, order))
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, intent models.TradeIntent, err error) {
	reason := err.Error()
	if rej, ok := apperrors.AsRejection(err); ok {
		e.metrics.Rejection(string(rej.Code))
		reason = string(rej.Code) + ": " + rej.Message
	}
	e.record(ctx, models.TradeLogEntry{
		Timestamp: intent.Timestamp,
		Symbol:    intent.Symbol,
		Kind:      models.LogRejection,
		Side:      intent.Side,
		Price:     intent.Price,
		Reason:    reason,
	})
}

// submitFailed records a failed submission. A rejected order (broker fatal)
// is settled like any other; the error is passed on so the caller can halt
// the symbol.
func (e *Engine) submitFailed(ctx context.Context, intent models.TradeIntent, order *models.Order, err error) error {
	if errors.Is(err, apperrors.ErrOrderInFlight) {
		e.metrics.Rejection(string(apperrors.ReasonOrderInFlight))
		e.record(ctx, models.TradeLogEntry{
			Timestamp: intent.Timestamp, Symbol: intent.Symbol, Kind: models.LogRejection,
			Side: intent.Side, Price: intent.Price, Reason: string(apperrors.ReasonOrderInFlight),
		})
		return nil
	}
	if order != nil {
		if serr := e.settle(ctx, order); serr != nil {
			return serr
		}
	} else {
		e.record(ctx, models.TradeLogEntry{
			Timestamp: intent.Timestamp, Symbol: intent.Symbol, Kind: models.LogError,
			Side: intent.Side, Price: intent.Price, Reason: err.Error(),
		})
	}
	return err
}

func (e *Engine) dataGap(ctx context.Context, symbol string, ts time.Time, err error) {
	e.metrics.DataGap(symbol)
	log := logging.WithSymbol(e.logger, symbol)
	log.Warn().Err(err).Msg("Skipping bar")
	e.record(ctx, models.TradeLogEntry{Timestamp: ts, Symbol: symbol, Kind: models.LogDataGap, Reason: err.Error()})
}

// record appends to the trade log, the journal and the event stream.
func (e *Engine) record(ctx context.Context, entry models.TradeLogEntry) {
	e.mu.Lock()
	e.tradeLog = append(e.tradeLog, entry)
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.RecordEntry(context.WithoutCancel(ctx), e.runID, entry); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to journal trade log entry")
		}
	}
	e.publish(ctx, events.TradeLogEvent(e.runID, entry))
}

func (e *Engine) snapshot(ctx context.Context, snap models.PortfolioSnapshot) {
	e.metrics.Portfolio(snap.Equity, snap.Cash, snap.OpenPositions())
	if e.journal != nil {
		if err := e.journal.RecordSnapshot(context.WithoutCancel(ctx), e.runID, snap); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to journal snapshot")
		}
	}
	e.publish(ctx, events.SnapshotEvent(e.runID, snap))
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Debug().Err(err).Str("type", string(ev.Type)).Msg("Event not published")
	}
}
