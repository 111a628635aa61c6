package indicators

import (
	"sync"
	"time"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

type symbolState struct {
	rsi      *RSI
	last     models.IndicatorValue
	lastSeen time.Time
}

// Engine keeps per-symbol indicator state and turns bars into snapshots.
// It is safe for concurrent use; symbols never share state.
type Engine struct {
	period int

	mu      sync.Mutex
	symbols map[string]*symbolState
}

// NewEngine creates an indicator engine computing RSI over period bars.
func NewEngine(period int) (*Engine, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	return &Engine{
		period:  period,
		symbols: make(map[string]*symbolState),
	}, nil
}

// Update feeds a bar and returns the snapshot a strategy decides on.
// A bar whose timestamp does not advance past the previous one for the same
// symbol returns a DataGapError and leaves state untouched.
func (e *Engine) Update(bar models.Bar) (models.IndicatorSnapshot, error) {
	if err := bar.Validate(); err != nil {
		return models.IndicatorSnapshot{}, apperrors.NewDataGapError(bar.Symbol, bar.Timestamp, time.Time{}, err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.symbols[bar.Symbol]
	if !ok {
		// NewRSI cannot fail here, period was checked in NewEngine.
		rsi, _ := NewRSI(e.period)
		st = &symbolState{rsi: rsi}
		e.symbols[bar.Symbol] = st
	}

	if !st.lastSeen.IsZero() && !bar.Timestamp.After(st.lastSeen) {
		msg := "out-of-order bar"
		if bar.Timestamp.Equal(st.lastSeen) {
			msg = "duplicate bar"
		}
		return models.IndicatorSnapshot{}, apperrors.NewDataGapError(bar.Symbol, bar.Timestamp, st.lastSeen, msg)
	}

	prev := st.last
	cur := st.rsi.Update(bar.Close, bar.Timestamp)
	st.last = cur
	st.lastSeen = bar.Timestamp

	return models.IndicatorSnapshot{
		Symbol:  bar.Symbol,
		Bar:     bar,
		RSI:     cur,
		PrevRSI: prev,
	}, nil
}

// Last returns the most recent reading for symbol.
func (e *Engine) Last(symbol string) (models.IndicatorValue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return models.IndicatorValue{}, false
	}
	return st.last, true
}

// Window returns the retained closes for symbol, oldest first.
func (e *Engine) Window(symbol string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return nil
	}
	return st.rsi.Window()
}

// Reset drops all state for symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.symbols, symbol)
}

// Period returns the RSI lookback.
func (e *Engine) Period() int {
	return e.period
}
