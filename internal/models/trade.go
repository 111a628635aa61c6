package models

import (
	"sort"
	"time"
)

// Position is the holding in one symbol. Quantity is signed; negative means short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	LastPrice     float64 `json:"last_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// MarketValue is quantity times the last known price.
func (p Position) MarketValue() float64 {
	return float64(p.Quantity) * p.LastPrice
}

// UnrealizedPnL is the mark-to-market gain of the open quantity.
func (p Position) UnrealizedPnL() float64 {
	return float64(p.Quantity) * (p.LastPrice - p.AvgEntryPrice)
}

// IsOpen reports whether any quantity is held.
func (p Position) IsOpen() bool {
	return p.Quantity != 0
}

// SnapshotEvent records what produced a portfolio snapshot.
type SnapshotEvent string

const (
	EventInitial SnapshotEvent = "initial"
	EventFill    SnapshotEvent = "fill"
	EventMark    SnapshotEvent = "mark"
	EventOrder   SnapshotEvent = "order"
)

// PortfolioSnapshot is an immutable view of the account at a point in time.
type PortfolioSnapshot struct {
	Seq         int64               `json:"seq"`
	Timestamp   time.Time           `json:"timestamp"`
	Event       SnapshotEvent       `json:"event"`
	Cash        float64             `json:"cash"`
	Positions   map[string]Position `json:"positions"`
	Equity      float64             `json:"equity"`
	RealizedPnL float64             `json:"realized_pnl"`
	Fees        float64             `json:"fees"`
}

// Position returns the position for symbol, or a flat one.
func (s PortfolioSnapshot) Position(symbol string) Position {
	if p, ok := s.Positions[symbol]; ok {
		return p
	}
	return Position{Symbol: symbol}
}

// OpenPositions counts symbols with non-zero quantity.
func (s PortfolioSnapshot) OpenPositions() int {
	n := 0
	for _, p := range s.Positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// ComputeEquity returns cash plus the market value of every position.
func (s PortfolioSnapshot) ComputeEquity() float64 {
	equity := s.Cash
	for _, sym := range s.Symbols() {
		equity += s.Positions[sym].MarketValue()
	}
	return equity
}

// Symbols returns position symbols in sorted order.
func (s PortfolioSnapshot) Symbols() []string {
	syms := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// Clone deep-copies the snapshot so callers may derive a new one.
func (s PortfolioSnapshot) Clone() PortfolioSnapshot {
	c := s
	c.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	return c
}

// TradeLogKind classifies an entry of the run's trade log.
type TradeLogKind string

const (
	LogFill      TradeLogKind = "fill"
	LogRejection TradeLogKind = "rejection"
	LogCancel    TradeLogKind = "cancel"
	LogError     TradeLogKind = "error"
	LogDataGap   TradeLogKind = "data_gap"
)

// TradeLogEntry is one line of the run's auditable trade log.
type TradeLogEntry struct {
	Timestamp   time.Time    `json:"timestamp"`
	Symbol      string       `json:"symbol"`
	Kind        TradeLogKind `json:"kind"`
	Side        Side         `json:"side,omitempty"`
	OrderID     string       `json:"order_id,omitempty"`
	Quantity    int64        `json:"quantity,omitempty"`
	Price       float64      `json:"price,omitempty"`
	Fees        float64      `json:"fees,omitempty"`
	RealizedPnL float64      `json:"realized_pnl,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}
