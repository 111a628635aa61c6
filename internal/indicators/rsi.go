// Package indicators computes streaming technical indicators from price bars.
package indicators

import (
	"errors"
	"fmt"
	"time"

	"rsi-trader/internal/models"
)

var (
	ErrInvalidPeriod = errors.New("invalid period")
)

// neutralRSI is reported when a window saw no price movement at all.
const neutralRSI = 50.0

// RSI is a streaming Relative Strength Index using Wilder's smoothing.
// The first `period` close-to-close changes seed the averages with a simple mean;
// every later change is smoothed as avg = (avg*(period-1) + x) / period.
// Update is O(1) per bar.
type RSI struct {
	period int

	count     int
	prevClose float64
	sumGain   float64
	sumLoss   float64
	avgGain   float64
	avgLoss   float64
	current   float64

	// closes is a ring buffer of the last period+1 closes.
	closes []float64
	head   int
	filled int
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) (*RSI, error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPeriod, period)
	}
	return &RSI{
		period: period,
		closes: make([]float64, period+1),
	}, nil
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

// Update consumes one close and returns the resulting reading.
func (r *RSI) Update(close float64, ts time.Time) models.IndicatorValue {
	r.push(close)
	r.count++

	if r.count == 1 {
		r.prevClose = close
		return r.value(ts)
	}

	delta := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	switch {
	case r.count <= r.period:
		r.sumGain += gain
		r.sumLoss += loss
	case r.count == r.period+1:
		p := float64(r.period)
		r.avgGain = (r.sumGain + gain) / p
		r.avgLoss = (r.sumLoss + loss) / p
		r.current = rsiFromAverages(r.avgGain, r.avgLoss)
	default:
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
		r.current = rsiFromAverages(r.avgGain, r.avgLoss)
	}

	return r.value(ts)
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return neutralRSI
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	v := 100.0 - (100.0 / (1.0 + rs))
	// Guard against float drift at the edges.
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (r *RSI) value(ts time.Time) models.IndicatorValue {
	return models.IndicatorValue{
		Name:      r.Name(),
		Timestamp: ts,
		Value:     r.current,
		Defined:   r.Ready(),
	}
}

func (r *RSI) push(close float64) {
	r.closes[r.head] = close
	r.head = (r.head + 1) % len(r.closes)
	if r.filled < len(r.closes) {
		r.filled++
	}
}

// Ready reports whether the warm-up of period+1 bars has completed.
func (r *RSI) Ready() bool { return r.count > r.period }

// Value returns the latest RSI, meaningful only when Ready.
func (r *RSI) Value() float64 { return r.current }

// Count is the number of closes consumed.
func (r *RSI) Count() int { return r.count }

// Window returns the retained closes, oldest first.
func (r *RSI) Window() []float64 {
	out := make([]float64, 0, r.filled)
	start := (r.head - r.filled + len(r.closes)) % len(r.closes)
	for i := 0; i < r.filled; i++ {
		out = append(out, r.closes[(start+i)%len(r.closes)])
	}
	return out
}

// Series runs a fresh RSI over closes and returns one reading per close.
func Series(closes []float64, period int) ([]models.IndicatorValue, error) {
	rsi, err := NewRSI(period)
	if err != nil {
		return nil, err
	}
	out := make([]models.IndicatorValue, len(closes))
	for i, c := range closes {
		out[i] = rsi.Update(c, time.Time{})
	}
	return out, nil
}
