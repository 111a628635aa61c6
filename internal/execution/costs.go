package execution

import (
	"math"

	"rsi-trader/internal/config"
	"rsi-trader/internal/models"
)

// CostModel holds transaction cost assumptions. All rates are percentages of
// traded notional. The zero value is frictionless.
type CostModel struct {
	CommissionPct float64
	CommissionMin float64
	SpreadPct     float64
	SlippagePct   float64
}

// CostModelFromConfig converts the configured costs.
func CostModelFromConfig(c config.CostConfig) CostModel {
	return CostModel{
		CommissionPct: c.CommissionPct,
		CommissionMin: c.CommissionMin,
		SpreadPct:     c.SpreadPct,
		SlippagePct:   c.SlippagePct,
	}
}

// FillPrice adjusts a quoted price for spread and slippage against the trader.
func (c CostModel) FillPrice(side models.Side, price float64) float64 {
	adj := (c.SpreadPct + c.SlippagePct) / 100
	switch side {
	case models.SideBuy:
		return price * (1 + adj)
	case models.SideSell:
		return price * (1 - adj)
	}
	return price
}

// Fees is the commission charged on notional.
func (c CostModel) Fees(notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	return math.Max(notional*c.CommissionPct/100, c.CommissionMin)
}

// RoundTripCost is the total friction of buying and later selling qty shares.
func (c CostModel) RoundTripCost(entry, exit float64, qty int64) float64 {
	q := float64(qty)
	buy := c.FillPrice(models.SideBuy, entry)
	sell := c.FillPrice(models.SideSell, exit)
	return (buy-entry)*q + (exit-sell)*q + c.Fees(buy*q) + c.Fees(sell*q)
}
