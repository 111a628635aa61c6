package feed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"rsi-trader/internal/models"
	"rsi-trader/pkg/utils"
)

// Regime is a market phase used by the synthetic generator.
type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeSideways Regime = "sideways"
)

type regimeParams struct {
	mu, sigma float64
}

var regimeTable = map[Regime]regimeParams{
	RegimeBull:     {mu: 0.0008, sigma: 0.012},
	RegimeBear:     {mu: -0.0005, sigma: 0.018},
	RegimeSideways: {mu: 0.0001, sigma: 0.008},
}

var regimeOrder = []Regime{RegimeBull, RegimeBear, RegimeSideways}

const (
	syntheticStart      = 100.0
	syntheticRegimes    = 4
	syntheticMomentum   = 0.3
	syntheticBaseVolume = 5_000_000
)

// SyntheticSource generates daily bars from a regime-switching random walk.
// The walk is seeded from the symbol, so a symbol always yields the same
// series for the same date range.
type SyntheticSource struct {
	seed int64
}

// NewSyntheticSource creates a generator. seed is mixed into every symbol's seed.
func NewSyntheticSource(seed int64) *SyntheticSource {
	return &SyntheticSource{seed: seed}
}

// Name implements Source.
func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) rng(symbol string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return rand.New(rand.NewSource(int64(h.Sum64()) ^ s.seed))
}

// Bars implements Source. One bar is produced per weekday at the 15:30 IST close.
func (s *SyntheticSource) Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	days := tradingDays(from, to)
	n := len(days)
	if n == 0 {
		return nil, nil
	}
	r := s.rng(symbol)
	regimes := assignRegimes(r, n)

	closes := make([]float64, n)
	closes[0] = syntheticStart
	for i := 1; i < n; i++ {
		p := regimeTable[regimes[i]]
		mu := p.mu
		if i > 1 {
			mu += (closes[i-1]/closes[i-2] - 1) * syntheticMomentum
		}
		ret := mu + p.sigma*r.NormFloat64()
		closes[i] = math.Max(closes[i-1]*(1+ret), 0.01)
	}

	bars := make([]models.Bar, n)
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := closes[i]
		open := c
		if i > 0 {
			open = closes[i-1] * (1 + 0.003*r.NormFloat64())
		}
		high := math.Max(open, c) * (1 + math.Abs(0.005*r.NormFloat64()))
		low := math.Min(open, c) * (1 - math.Abs(0.005*r.NormFloat64()))

		vol := 0.0
		if i > 0 {
			vol = math.Abs(math.Log(c / closes[i-1]))
		}
		volume := syntheticBaseVolume * (1 + vol*20) * math.Exp(0.3*r.NormFloat64())

		bars[i] = models.Bar{
			Symbol:    symbol,
			Timestamp: day,
			Open:      round2(open),
			High:      round2(high),
			Low:       math.Max(round2(low), 0.01),
			Close:     round2(c),
			Volume:    int64(volume),
		}
	}
	return bars, nil
}

// Regimes returns the regime assigned to each generated bar, for diagnostics.
func (s *SyntheticSource) Regimes(symbol string, from, to time.Time) []Regime {
	n := len(tradingDays(from, to))
	if n == 0 {
		return nil
	}
	return assignRegimes(s.rng(symbol), n)
}

// assignRegimes splits n bars into syntheticRegimes equal spans, each with a
// randomly drawn regime. The remainder extends the last span.
func assignRegimes(r *rand.Rand, n int) []Regime {
	out := make([]Regime, n)
	span := n / syntheticRegimes
	if span == 0 {
		span = n
	}
	current := regimeOrder[r.Intn(len(regimeOrder))]
	for i := range out {
		if i > 0 && i%span == 0 && i/span < syntheticRegimes {
			current = regimeOrder[r.Intn(len(regimeOrder))]
		}
		out[i] = current
	}
	return out
}

// tradingDays lists the 15:30 IST close of every weekday in [from, to].
func tradingDays(from, to time.Time) []time.Time {
	if to.Before(from) {
		return nil
	}
	start := from.In(utils.IndiaLocation)
	end := to.In(utils.IndiaLocation)
	day := time.Date(start.Year(), start.Month(), start.Day(), 15, 30, 0, 0, utils.IndiaLocation)
	last := time.Date(end.Year(), end.Month(), end.Day(), 15, 30, 0, 0, utils.IndiaLocation)

	var out []time.Time
	for !day.After(last) {
		if utils.IsTradingDay(day) {
			out = append(out, day.UTC())
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
