package strategy

import (
	"fmt"

	"rsi-trader/internal/models"
)

const MomentumName = "momentum"

// Momentum buys strength: it enters when RSI crosses above Upper and
// flattens when RSI crosses below Lower.
type Momentum struct {
	params Params
}

// NewMomentum creates a momentum strategy.
func NewMomentum(p Params) *Momentum {
	return &Momentum{params: p}
}

func (m *Momentum) Name() string { return MomentumName }

func (m *Momentum) Decide(snap models.IndicatorSnapshot, pos models.Position) models.TradeIntent {
	if !snap.RSI.Defined {
		return models.Hold(snap, MomentumName, "warming up")
	}

	cur := snap.RSI.Value
	// Before the first defined reading the prior level counts as neutral.
	prev := neutralRSI
	if snap.PrevRSI.Defined {
		prev = snap.PrevRSI.Value
	}

	switch {
	case prev <= m.params.Upper && cur > m.params.Upper:
		if pos.Quantity > 0 {
			return models.Hold(snap, MomentumName, "already long")
		}
		return buyIntent(snap, MomentumName, m.params.TargetWeight,
			fmt.Sprintf("RSI crossed above %.0f (%.2f -> %.2f)", m.params.Upper, prev, cur))
	case prev >= m.params.Lower && cur < m.params.Lower:
		if pos.Quantity <= 0 {
			return models.Hold(snap, MomentumName, "already flat")
		}
		return flattenIntent(snap, MomentumName,
			fmt.Sprintf("RSI crossed below %.0f (%.2f -> %.2f)", m.params.Lower, prev, cur))
	default:
		return models.Hold(snap, MomentumName, "no crossing")
	}
}
