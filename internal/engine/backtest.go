package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"rsi-trader/internal/config"
	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/execution"
	"rsi-trader/internal/models"
	"rsi-trader/internal/portfolio"
	"rsi-trader/internal/report"
)

// step is one bar of the merged backtest timeline.
type step struct {
	symbol string
	index  int
}

// Backtest replays data, which must already be prepared (sorted and
// validated per symbol). gaps are data problems found while preparing and go
// straight to the trade log. The run is single-threaded and depends only on
// its inputs, so the same configuration and data give the same report.
//
// Cancelling ctx stops the replay between bars; the partial report is
// returned together with the context error.
func (e *Engine) Backtest(ctx context.Context, data map[string][]models.Bar, gaps []error) (*report.Report, error) {
	initialCash := e.cfg.Backtest.InitialCash
	timeline, start := mergeTimeline(data)

	e.runID = BacktestRunID(e.cfg, data)
	e.ledger = portfolio.NewLedger(initialCash, start, e.cfg.Risk.AllowShort, e.logger)
	e.gateway = execution.NewBacktestGateway(execution.ConfigFrom(e.cfg.Execution), e.logger,
		execution.WithMetrics(e.metrics),
		execution.WithFunds(func() float64 { return e.ledger.Snapshot().Cash }),
	)
	e.start(ctx, config.ModeBacktest, initialCash)

	for _, err := range gaps {
		var gap *apperrors.DataGapError
		if apperrors.As(err, &gap) {
			e.dataGap(ctx, gap.Symbol, gap.Timestamp, err)
		}
	}

	var runErr error
	for _, s := range timeline {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		bars := data[s.symbol]
		var next *models.Bar
		if s.index+1 < len(bars) {
			next = &bars[s.index+1]
		}

		order, err := e.cycle(ctx, bars[s.index], next)
		if err == nil && order != nil {
			err = e.settle(ctx, order)
		}
		if err != nil {
			if apperrors.IsPortfolioConsistency(err) {
				runErr = err
				break
			}
			e.logger.Warn().Err(err).Str("symbol", s.symbol).Msg("Bar cycle failed")
		}
	}

	rep := e.finish(ctx, config.ModeBacktest, initialCash, time.Time{}, runErr)
	return rep, runErr
}

// mergeTimeline orders every bar by (timestamp, symbol) and returns the
// earliest timestamp.
func mergeTimeline(data map[string][]models.Bar) ([]step, time.Time) {
	var timeline []step
	for sym, bars := range data {
		for i := range bars {
			timeline = append(timeline, step{symbol: sym, index: i})
		}
	}
	sort.Slice(timeline, func(i, j int) bool {
		a, b := data[timeline[i].symbol][timeline[i].index], data[timeline[j].symbol][timeline[j].index]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if timeline[i].symbol != timeline[j].symbol {
			return timeline[i].symbol < timeline[j].symbol
		}
		return timeline[i].index < timeline[j].index
	})

	var start time.Time
	if len(timeline) > 0 {
		first := timeline[0]
		start = data[first.symbol][first.index].Timestamp
	}
	return timeline, start
}

// BacktestRunID derives the run id from everything that decides the outcome:
// strategy, risk and cost settings, starting cash and every bar.
func BacktestRunID(cfg *config.Config, data map[string][]models.Bar) string {
	return report.RunID("bt",
		fmt.Sprintf("%+v", cfg.Strategy),
		fmt.Sprintf("%+v", cfg.Risk),
		fmt.Sprintf("%+v", cfg.Execution.Costs),
		cfg.Backtest.InitialCash,
		dataDigest(data),
	)
}

func dataDigest(data map[string][]models.Bar) string {
	symbols := make([]string, 0, len(data))
	for sym := range data {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	h := sha256.New()
	buf := make([]byte, 8)
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}
	for _, sym := range symbols {
		h.Write([]byte(sym))
		for _, b := range data[sym] {
			put(uint64(b.Timestamp.UnixNano()))
			put(math.Float64bits(b.Open))
			put(math.Float64bits(b.High))
			put(math.Float64bits(b.Low))
			put(math.Float64bits(b.Close))
			put(uint64(b.Volume))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
