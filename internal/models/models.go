// Package models provides domain models for the trading application.
package models

import (
	"fmt"
	"math"
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// Side is the direction of an intent or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideHold Side = "HOLD"
)

// Opposite returns the reverse trading side. HOLD maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideHold
	}
}

// Bar is one OHLCV observation for a symbol. Timestamps are UTC.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Validate checks the bar for values no real market can produce.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar has no symbol")
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s has no timestamp", b.Symbol)
	}
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("bar %s at %s has invalid price %v", b.Symbol, b.Timestamp.Format(time.RFC3339), p)
		}
	}
	if b.High < b.Low {
		return fmt.Errorf("bar %s at %s has high %.4f below low %.4f", b.Symbol, b.Timestamp.Format(time.RFC3339), b.High, b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s has negative volume", b.Symbol)
	}
	return nil
}

// Quote represents a market quote.
type Quote struct {
	Symbol    string
	LTP       float64
	Open      float64
	High      float64
	Low       float64
	Volume    int64
	Timestamp time.Time
}

// IndicatorValue is a single indicator reading. Defined is false during warm-up.
type IndicatorValue struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Defined   bool      `json:"defined"`
}

// IndicatorSnapshot is everything a strategy may look at for one bar.
type IndicatorSnapshot struct {
	Symbol  string
	Bar     Bar
	RSI     IndicatorValue
	PrevRSI IndicatorValue
}

// Sizing selects how a trade intent expresses its target.
type Sizing string

const (
	SizingQuantity Sizing = "QUANTITY"
	SizingWeight   Sizing = "WEIGHT"
)

// TradeIntent is a strategy's desired resulting position for a symbol.
type TradeIntent struct {
	Symbol         string
	Side           Side
	Sizing         Sizing
	TargetQuantity int64
	TargetWeight   float64
	Price          float64
	Reason         string
	Strategy       string
	Timestamp      time.Time
}

// IsHold reports whether the intent asks for no action.
func (t TradeIntent) IsHold() bool {
	return t.Side == SideHold || t.Side == ""
}

// Hold builds a HOLD intent for the snapshot.
func Hold(snap IndicatorSnapshot, strategy, reason string) TradeIntent {
	return TradeIntent{
		Symbol:    snap.Symbol,
		Side:      SideHold,
		Price:     snap.Bar.Close,
		Reason:    reason,
		Strategy:  strategy,
		Timestamp: snap.Bar.Timestamp,
	}
}
