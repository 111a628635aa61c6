// Package feed supplies bars to the run loop, from history or by polling quotes.
package feed

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// Feed yields bars for one symbol in timestamp order. Next returns io.EOF
// once the feed is exhausted.
type Feed interface {
	Next(ctx context.Context) (models.Bar, error)
}

// Source loads historical bars for a symbol.
type Source interface {
	Name() string
	Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error)
}

// HistoricalFeed replays a fixed slice of bars.
type HistoricalFeed struct {
	symbol string
	bars   []models.Bar
	pos    int
}

// NewHistoricalFeed creates a feed over bars, which must already be sorted
// and validated (see Prepare).
func NewHistoricalFeed(symbol string, bars []models.Bar) *HistoricalFeed {
	return &HistoricalFeed{symbol: symbol, bars: bars}
}

// Next returns the next bar or io.EOF.
func (f *HistoricalFeed) Next(ctx context.Context) (models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return models.Bar{}, err
	}
	if f.pos >= len(f.bars) {
		return models.Bar{}, io.EOF
	}
	b := f.bars[f.pos]
	f.pos++
	return b, nil
}

// Peek returns the bar Next would return, without consuming it.
func (f *HistoricalFeed) Peek() (models.Bar, bool) {
	if f.pos >= len(f.bars) {
		return models.Bar{}, false
	}
	return f.bars[f.pos], true
}

// Len returns the total number of bars.
func (f *HistoricalFeed) Len() int {
	return len(f.bars)
}

// Symbol returns the symbol the feed replays.
func (f *HistoricalFeed) Symbol() string {
	return f.symbol
}

// Prepare sorts bars by timestamp and drops invalid bars and duplicate
// timestamps. Each dropped bar is reported as a DataGapError.
func Prepare(symbol string, bars []models.Bar) ([]models.Bar, []error) {
	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var gaps []error
	out := sorted[:0]
	var last time.Time
	for _, b := range sorted {
		if b.Symbol == "" {
			b.Symbol = symbol
		}
		if err := b.Validate(); err != nil {
			gaps = append(gaps, apperrors.NewDataGapError(symbol, b.Timestamp, last, err.Error()))
			continue
		}
		if len(out) > 0 && !b.Timestamp.After(last) {
			gaps = append(gaps, apperrors.NewDataGapError(symbol, b.Timestamp, last, "duplicate timestamp"))
			continue
		}
		out = append(out, b)
		last = b.Timestamp
	}
	return out, gaps
}

// Load fetches and prepares the bars of every symbol from src.
func Load(ctx context.Context, src Source, symbols []string, from, to time.Time) (map[string][]models.Bar, []error, error) {
	out := make(map[string][]models.Bar, len(symbols))
	var gaps []error
	for _, sym := range symbols {
		raw, err := src.Bars(ctx, sym, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s from %s: %w", sym, src.Name(), err)
		}
		bars, dropped := Prepare(sym, raw)
		if len(bars) == 0 {
			return nil, nil, fmt.Errorf("%w: no bars for %s in %s..%s", apperrors.ErrDataNotFound, sym,
				from.Format("2006-01-02"), to.Format("2006-01-02"))
		}
		out[sym] = bars
		gaps = append(gaps, dropped...)
	}
	return out, gaps, nil
}

func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
