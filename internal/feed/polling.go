package feed

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
	"rsi-trader/pkg/utils"
)

// Quoter supplies the latest traded price for a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
}

// PollingConfig holds polling feed configuration.
type PollingConfig struct {
	Interval     time.Duration
	SkipWeekends bool
	// MaxBars ends the feed with io.EOF after this many bars; 0 never ends.
	MaxBars int
}

// PollingFeed builds one bar per poll interval from quotes.
type PollingFeed struct {
	symbol string
	quoter Quoter
	cfg    PollingConfig
	logger zerolog.Logger
	now    func() time.Time

	polled    bool
	emitted   int
	lastClose float64
	lastTS    time.Time
}

// NewPollingFeed creates a feed for symbol.
func NewPollingFeed(symbol string, quoter Quoter, cfg PollingConfig, logger zerolog.Logger) *PollingFeed {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &PollingFeed{
		symbol: symbol,
		quoter: quoter,
		cfg:    cfg,
		logger: logging.WithSymbol(logging.WithComponent(logger, "feed"), symbol),
		now:    time.Now,
	}
}

// Next waits for the next poll, then returns a bar spanning the interval
// since the previous one. The first bar is produced without waiting.
func (f *PollingFeed) Next(ctx context.Context) (models.Bar, error) {
	if f.cfg.MaxBars > 0 && f.emitted >= f.cfg.MaxBars {
		return models.Bar{}, io.EOF
	}

	for {
		if f.polled {
			if err := sleepCtx(ctx, f.cfg.Interval); err != nil {
				return models.Bar{}, err
			}
		} else if err := ctx.Err(); err != nil {
			return models.Bar{}, err
		}
		f.polled = true

		now := f.now()
		if f.cfg.SkipWeekends && !utils.IsTradingDay(now) {
			f.logger.Debug().Time("now", now).Msg("Weekend, not polling")
			continue
		}

		q, err := f.quoter.Quote(ctx, f.symbol)
		if err != nil {
			if ctx.Err() != nil {
				return models.Bar{}, ctx.Err()
			}
			return models.Bar{}, fmt.Errorf("poll %s: %w", f.symbol, err)
		}
		if q.LTP <= 0 {
			return models.Bar{}, apperrors.NewDataGapError(f.symbol, now, f.lastTS, fmt.Sprintf("quote has price %v", q.LTP))
		}

		ts := utils.TruncateToInterval(now, f.cfg.Interval)
		if !f.lastTS.IsZero() && !ts.After(f.lastTS) {
			ts = f.lastTS.Add(f.cfg.Interval)
		}

		open := f.lastClose
		if open <= 0 {
			open = q.LTP
			if q.Open > 0 {
				open = q.Open
			}
		}
		bar := models.Bar{
			Symbol:    f.symbol,
			Timestamp: ts,
			Open:      open,
			High:      math.Max(open, q.LTP),
			Low:       math.Min(open, q.LTP),
			Close:     q.LTP,
			Volume:    q.Volume,
		}

		f.lastClose = q.LTP
		f.lastTS = ts
		f.emitted++
		return bar, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RandomWalkQuoter produces seeded random-walk prices for offline paper runs.
type RandomWalkQuoter struct {
	sigma float64

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	start  map[string]float64
}

// NewRandomWalkQuoter creates a quoter with per-step volatility sigma.
// start optionally fixes the opening price per symbol; others open at a
// price derived from the symbol name.
func NewRandomWalkQuoter(seed int64, sigma float64, start map[string]float64) *RandomWalkQuoter {
	if sigma <= 0 {
		sigma = 0.01
	}
	s := make(map[string]float64, len(start))
	for k, v := range start {
		s[k] = v
	}
	return &RandomWalkQuoter{
		sigma:  sigma,
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		start:  s,
	}
}

// Quote implements Quoter. Every call advances symbol's walk by one step.
func (q *RandomWalkQuoter) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	price, ok := q.prices[symbol]
	if !ok {
		price = q.start[symbol]
		if price <= 0 {
			price = openingPrice(symbol)
		}
	} else {
		price = math.Max(price*(1+q.sigma*q.rng.NormFloat64()), 0.01)
	}
	price = round2(price)
	q.prices[symbol] = price

	return models.Quote{
		Symbol:    symbol,
		LTP:       price,
		Volume:    int64(1000 + q.rng.Intn(9000)),
		Timestamp: time.Now().UTC(),
	}, nil
}

// openingPrice spreads symbols between 50 and 550 so they do not all trade at one price.
func openingPrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 50 + float64(h.Sum32()%500)
}
