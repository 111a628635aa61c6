package strategy

import (
	"fmt"

	"rsi-trader/internal/models"
)

const (
	MeanReversionName = "mean_reversion"

	neutralRSI = 50.0
)

// MeanReversion fades extremes: it buys while RSI is oversold and
// flattens while RSI is overbought.
type MeanReversion struct {
	params Params
}

// NewMeanReversion creates a mean-reversion strategy.
func NewMeanReversion(p Params) *MeanReversion {
	return &MeanReversion{params: p}
}

func (m *MeanReversion) Name() string { return MeanReversionName }

func (m *MeanReversion) Decide(snap models.IndicatorSnapshot, pos models.Position) models.TradeIntent {
	if !snap.RSI.Defined {
		return models.Hold(snap, MeanReversionName, "warming up")
	}

	rsi := snap.RSI.Value
	switch {
	case rsi < m.params.Oversold:
		if pos.Quantity > 0 {
			return models.Hold(snap, MeanReversionName, "already long")
		}
		return buyIntent(snap, MeanReversionName, m.params.TargetWeight,
			fmt.Sprintf("RSI %.2f below oversold %.0f", rsi, m.params.Oversold))
	case rsi > m.params.Overbought:
		if pos.Quantity <= 0 {
			return models.Hold(snap, MeanReversionName, "already flat")
		}
		return flattenIntent(snap, MeanReversionName,
			fmt.Sprintf("RSI %.2f above overbought %.0f", rsi, m.params.Overbought))
	default:
		return models.Hold(snap, MeanReversionName, "inside band")
	}
}
