package execution

import (
	"fmt"
	"math"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// Simulator fills backtest orders against the bar that follows the signal.
type Simulator struct {
	costs CostModel
	// funds reports spendable cash; nil means unlimited.
	funds func() float64
}

// NewSimulator creates a fill simulator. funds may be nil.
func NewSimulator(costs CostModel, funds func() float64) *Simulator {
	return &Simulator{costs: costs, funds: funds}
}

// Costs returns the cost model in use.
func (s *Simulator) Costs() CostModel {
	return s.costs
}

// Execute resolves order against bar. The result is always terminal:
// filled at the adjusted open, or cancelled when no bar is left to fill on.
// A buy that a gap made unaffordable is reduced to what cash covers.
func (s *Simulator) Execute(order *models.Order, bar *models.Bar) models.OrderUpdate {
	update := models.OrderUpdate{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Timestamp: order.SubmittedAt,
	}

	if bar == nil || bar.Symbol != order.Symbol {
		update.Status = models.OrderCancelled
		update.Reason = string(apperrors.ReasonEndOfData)
		return update
	}
	update.Timestamp = bar.Timestamp

	price := s.costs.FillPrice(order.Side, bar.Open)
	qty := order.Quantity
	if order.Side == models.SideBuy && s.funds != nil {
		if affordable := s.affordable(s.funds(), price); affordable < qty {
			qty = affordable
		}
	}
	if qty <= 0 {
		update.Status = models.OrderRejected
		update.Reason = fmt.Sprintf("%s: fill at %.2f not covered by cash", apperrors.ReasonInsufficientCash, price)
		return update
	}

	update.FilledQty = qty
	update.AvgFillPrice = price
	update.Fees = s.costs.Fees(float64(qty) * price)
	if qty == order.Quantity {
		update.Status = models.OrderFilled
	} else {
		update.Status = models.OrderCancelled
		update.Reason = fmt.Sprintf("%s: filled %d of %d", apperrors.ReasonInsufficientCash, qty, order.Quantity)
	}
	return update
}

// Steps returns the updates that take a SUBMITTED order to the outcome of
// Execute. A buy cut short by cash passes through PARTIALLY_FILLED before
// its remainder is cancelled.
func (s *Simulator) Steps(order *models.Order, bar *models.Bar) []models.OrderUpdate {
	final := s.Execute(order, bar)
	if final.Status != models.OrderCancelled || final.FilledQty == 0 {
		return []models.OrderUpdate{final}
	}
	partial := final
	partial.Status = models.OrderPartiallyFilled
	partial.Reason = ""
	return []models.OrderUpdate{partial, final}
}

func (s *Simulator) affordable(cash, price float64) int64 {
	if cash <= 0 || price <= 0 {
		return 0
	}
	qty := int64(math.Floor(cash / price))
	for qty > 0 && float64(qty)*price+s.costs.Fees(float64(qty)*price) > cash {
		qty--
	}
	return qty
}
