// Package portfolio maintains cash, positions and P&L from confirmed fills.
package portfolio

import (
	"fmt"
	"math"
	"time"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// Initial returns the opening snapshot of an account holding only cash.
func Initial(cash float64, ts time.Time) models.PortfolioSnapshot {
	return models.PortfolioSnapshot{
		Seq:       0,
		Timestamp: ts,
		Event:     models.EventInitial,
		Cash:      cash,
		Positions: map[string]models.Position{},
		Equity:    cash,
	}
}

// Apply derives the snapshot that results from fill. It never mutates prev.
//
// Buys debit notional plus fees; sells credit notional minus fees. Adding to a
// position moves the average entry to the quantity-weighted mean; reducing it
// realizes (fill price - average entry) per unit closed. A fill that crosses
// zero re-opens the remainder at the fill price. Without allowShort a fill that
// leaves a negative quantity is a PortfolioConsistencyError.
func Apply(prev models.PortfolioSnapshot, fill models.Fill, allowShort bool) (models.PortfolioSnapshot, error) {
	if fill.Quantity <= 0 {
		return prev, fmt.Errorf("%w: fill %s has quantity %d", apperrors.ErrInvalidOrder, fill.ID, fill.Quantity)
	}
	if fill.Price <= 0 || math.IsNaN(fill.Price) || math.IsInf(fill.Price, 0) {
		return prev, fmt.Errorf("%w: fill %s has price %v", apperrors.ErrInvalidOrder, fill.ID, fill.Price)
	}

	var signed int64
	switch fill.Side {
	case models.SideBuy:
		signed = fill.Quantity
	case models.SideSell:
		signed = -fill.Quantity
	default:
		return prev, fmt.Errorf("%w: fill %s has side %q", apperrors.ErrInvalidOrder, fill.ID, fill.Side)
	}

	pos := prev.Position(fill.Symbol)
	old := pos.Quantity
	newQty := old + signed

	if newQty < 0 && !allowShort {
		return prev, apperrors.NewPortfolioConsistencyError(fill.Symbol, newQty,
			fmt.Sprintf("fill %s would sell %d with %d held", fill.ID, fill.Quantity, old))
	}

	next := prev.Clone()
	realized := 0.0

	switch {
	case old == 0 || (old > 0) == (signed > 0):
		absOld := math.Abs(float64(old))
		pos.AvgEntryPrice = (absOld*pos.AvgEntryPrice + float64(fill.Quantity)*fill.Price) / (absOld + float64(fill.Quantity))
	default:
		closed := minInt64(abs64(signed), abs64(old))
		direction := 1.0
		if old < 0 {
			direction = -1.0
		}
		realized = float64(closed) * (fill.Price - pos.AvgEntryPrice) * direction
		switch {
		case newQty == 0:
			pos.AvgEntryPrice = 0
		case (newQty > 0) != (old > 0):
			pos.AvgEntryPrice = fill.Price
		}
	}

	pos.Symbol = fill.Symbol
	pos.Quantity = newQty
	pos.LastPrice = fill.Price
	pos.RealizedPnL += realized
	next.Positions[fill.Symbol] = pos

	if signed > 0 {
		next.Cash -= fill.Notional() + fill.Fees
	} else {
		next.Cash += fill.Notional() - fill.Fees
	}
	next.RealizedPnL += realized
	next.Fees += fill.Fees
	next.Seq = prev.Seq + 1
	next.Event = models.EventFill
	if fill.Timestamp.After(next.Timestamp) {
		next.Timestamp = fill.Timestamp
	}
	next.Equity = next.ComputeEquity()

	return next, nil
}

// Mark revalues symbol at price and returns the derived snapshot.
func Mark(prev models.PortfolioSnapshot, symbol string, price float64, ts time.Time) models.PortfolioSnapshot {
	next := prev.Clone()
	if pos, ok := next.Positions[symbol]; ok && price > 0 {
		pos.LastPrice = price
		next.Positions[symbol] = pos
	}
	next.Seq = prev.Seq + 1
	next.Event = models.EventMark
	if ts.After(next.Timestamp) {
		next.Timestamp = ts
	}
	next.Equity = next.ComputeEquity()
	return next
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
