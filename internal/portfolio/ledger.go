package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
)

// appliedOrder tracks how much of an order has already reached the books.
type appliedOrder struct {
	qty      int64
	notional float64
	fees     float64
}

// Applied describes the effect of one ApplyFill call.
type Applied struct {
	Snapshot    models.PortfolioSnapshot
	Fill        *models.Fill // nil when nothing new was applied
	RealizedPnL float64
}

// Ledger is the single writer of portfolio state. It keeps the current
// snapshot plus an append-only history and applies each order's executed
// quantity exactly once.
type Ledger struct {
	allowShort bool
	logger     zerolog.Logger

	mu      sync.RWMutex
	current models.PortfolioSnapshot
	history []models.PortfolioSnapshot
	applied map[string]appliedOrder
	fills   []models.Fill
}

// NewLedger opens a ledger holding initialCash.
func NewLedger(initialCash float64, start time.Time, allowShort bool, logger zerolog.Logger) *Ledger {
	snap := Initial(initialCash, start)
	return &Ledger{
		allowShort: allowShort,
		logger:     logging.WithComponent(logger, "portfolio"),
		current:    snap,
		history:    []models.PortfolioSnapshot{snap},
		applied:    make(map[string]appliedOrder),
	}
}

// ApplyFill books the executed quantity of order not seen before.
// Orders must be in a state that carries fills (partially filled, filled,
// or cancelled after a partial fill); rejected orders and orders with no
// executed quantity leave the books untouched.
func (l *Ledger) ApplyFill(order *models.Order) (Applied, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch order.Status {
	case models.OrderPending, models.OrderSubmitted:
		return Applied{Snapshot: l.current}, fmt.Errorf("%w: order %s is %s, not confirmed", apperrors.ErrInvalidOrder, order.ID, order.Status)
	}
	if order.Status == models.OrderRejected || order.FilledQty <= 0 {
		return Applied{Snapshot: l.current}, nil
	}

	prev := l.applied[order.ID]
	deltaQty := order.FilledQty - prev.qty
	if deltaQty <= 0 {
		return Applied{Snapshot: l.current}, nil
	}

	cumNotional := float64(order.FilledQty) * order.AvgFillPrice
	fill := models.Fill{
		ID:        fmt.Sprintf("%s-%d", order.ID, order.FilledQty),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  deltaQty,
		Price:     (cumNotional - prev.notional) / float64(deltaQty),
		Fees:      order.Fees - prev.fees,
		Timestamp: order.UpdatedAt,
	}
	if fill.Fees < 0 {
		fill.Fees = 0
	}

	next, err := Apply(l.current, fill, l.allowShort)
	if err != nil {
		l.logger.Error().Err(err).Str("order_id", order.ID).Msg("Fill rejected by portfolio")
		return Applied{Snapshot: l.current}, err
	}

	realized := next.RealizedPnL - l.current.RealizedPnL
	l.applied[order.ID] = appliedOrder{qty: order.FilledQty, notional: cumNotional, fees: order.Fees}
	l.current = next
	l.history = append(l.history, next)
	l.fills = append(l.fills, fill)

	l.logger.Debug().
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Int64("quantity", fill.Quantity).
		Float64("price", fill.Price).
		Float64("cash", next.Cash).
		Float64("equity", next.Equity).
		Msg("Fill applied")

	return Applied{Snapshot: next, Fill: &fill, RealizedPnL: realized}, nil
}

// Mark revalues symbol at price and records the snapshot.
func (l *Ledger) Mark(symbol string, price float64, ts time.Time) models.PortfolioSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := Mark(l.current, symbol, price, ts)
	l.current = next
	l.history = append(l.history, next)
	return next
}

// Snapshot returns the current snapshot.
func (l *Ledger) Snapshot() models.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Clone()
}

// Position returns the current position in symbol.
func (l *Ledger) Position(symbol string) models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current.Position(symbol)
}

// History returns a copy of every snapshot recorded so far, oldest first.
func (l *Ledger) History() []models.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.PortfolioSnapshot, len(l.history))
	copy(out, l.history)
	return out
}

// Fills returns every fill applied so far.
func (l *Ledger) Fills() []models.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}
