package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"rsi-trader/internal/broker"
	"rsi-trader/internal/config"
	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/execution"
	"rsi-trader/internal/feed"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
	"rsi-trader/internal/portfolio"
	"rsi-trader/internal/report"
)

// PriceSink receives every bar's close, so a simulated broker fills at the
// price the strategy saw.
type PriceSink interface {
	UpdatePrice(symbol string, price float64)
}

// Paper trades feeds against b until every feed ends or ctx is cancelled.
// Each symbol runs as its own task; a symbol whose broker calls fail fatally
// stops on its own, while a portfolio consistency failure stops the run.
// sink may be nil.
//
// Cancelling ctx stops new intents. An order already awaiting its fill keeps
// waiting, up to the fill timeout, on a context detached from ctx. Orders
// still open when the tasks end get one more wait before the report.
func (e *Engine) Paper(ctx context.Context, feeds map[string]feed.Feed, b broker.Broker, sink PriceSink) (*report.Report, error) {
	initialCash := e.cfg.Paper.InitialCash

	e.runID = "paper-" + uuid.NewString()[:8]
	e.ledger = portfolio.NewLedger(initialCash, time.Now().UTC(), e.cfg.Risk.AllowShort, e.logger)
	e.gateway = execution.NewPaperGateway(execution.ConfigFrom(e.cfg.Execution), b, e.logger, execution.WithMetrics(e.metrics))
	e.start(ctx, config.ModePaper, initialCash)

	// Notifications must keep flowing while detached awaits finish.
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		if err := e.gateway.Run(notifyCtx); err != nil {
			e.logger.Error().Err(err).Msg("Order notification loop stopped")
		}
	}()

	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, sym := range e.cfg.Symbols {
		f, ok := feeds[sym]
		if !ok {
			e.logger.Warn().Str("symbol", sym).Msg("No feed for symbol, skipping")
			continue
		}
		sym := sym
		p.Go(func(ctx context.Context) error {
			return e.runSymbol(ctx, sym, f, sink)
		})
	}
	runErr := p.Wait()

	if runErr == nil || errors.Is(runErr, context.Canceled) {
		if err := e.reconcile(ctx); err != nil {
			runErr = err
		}
	}

	stopNotify()
	<-notifyDone

	if runErr == nil {
		runErr = ctx.Err()
	}
	rep := e.finish(ctx, config.ModePaper, initialCash, time.Now(), runErr)
	if errors.Is(runErr, context.Canceled) {
		return rep, nil
	}
	return rep, runErr
}

// runSymbol is one symbol's task. It returns an error only when the whole
// run has to stop.
func (e *Engine) runSymbol(ctx context.Context, symbol string, f feed.Feed, sink PriceSink) error {
	log := logging.WithSymbol(e.logger, symbol)
	defer log.Debug().Msg("Symbol task finished")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := e.resolveOutstanding(ctx, symbol); err != nil {
			return err
		}

		bar, err := f.Next(ctx)
		switch {
		case err == io.EOF || ctx.Err() != nil:
			return nil
		case apperrors.IsDataGap(err):
			e.dataGap(ctx, symbol, time.Now().UTC(), err)
			continue
		case apperrors.IsBrokerFatal(err):
			e.halt(ctx, symbol, err)
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("Feed error")
			e.record(ctx, models.TradeLogEntry{Timestamp: time.Now().UTC(), Symbol: symbol, Kind: models.LogError, Reason: err.Error()})
			continue
		}

		if sink != nil {
			sink.UpdatePrice(symbol, bar.Close)
		}

		order, err := e.cycle(ctx, bar, nil)
		if err != nil {
			if apperrors.IsPortfolioConsistency(err) {
				return err
			}
			if apperrors.IsBrokerFatal(err) {
				e.halt(ctx, symbol, err)
				return nil
			}
			log.Warn().Err(err).Msg("Cycle failed")
			continue
		}
		if order == nil {
			continue
		}
		if err := e.await(ctx, order); err != nil {
			return err
		}
	}
}

// await waits for order to finish and books the result. The wait is
// detached from ctx so a stop request does not abandon a live order.
func (e *Engine) await(ctx context.Context, order *models.Order) error {
	if !order.Status.IsTerminal() {
		current, err := e.gateway.Await(context.WithoutCancel(ctx), order.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Await failed")
		}
		if current != nil {
			order = current
		}
	}
	return e.settle(ctx, order)
}

// resolveOutstanding gives an order left open by a fill timeout another
// chance to settle before the symbol trades again.
func (e *Engine) resolveOutstanding(ctx context.Context, symbol string) error {
	open, ok := e.gateway.OpenOrder(symbol)
	if !ok {
		return nil
	}
	return e.await(ctx, open)
}

// reconcile re-awaits every order still open once the symbol tasks are done,
// so a fill the broker reports late is booked before the report is built.
func (e *Engine) reconcile(ctx context.Context) error {
	for _, sym := range e.cfg.Symbols {
		if _, ok := e.gateway.OpenOrder(sym); !ok {
			continue
		}
		log := logging.WithSymbol(e.logger, sym)
		log.Info().Msg("Waiting for outstanding order before closing the run")
		if err := e.resolveOutstanding(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) halt(ctx context.Context, symbol string, err error) {
	log := logging.WithSymbol(e.logger, symbol)
	log.Error().Err(err).Msg("Trading halted for symbol")
	e.metrics.Health().Halt(symbol, err.Error())
	e.record(ctx, models.TradeLogEntry{Timestamp: time.Now().UTC(), Symbol: symbol, Kind: models.LogError, Reason: "halted: " + err.Error()})
}
