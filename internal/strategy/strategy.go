// Package strategy turns indicator snapshots into trade intents.
//
// Strategies are stateless: everything that varies over time arrives through
// the snapshot (current and previous RSI) and the current position.
package strategy

import (
	"fmt"

	"rsi-trader/internal/models"
)

// Strategy decides the desired position for one symbol at one bar.
type Strategy interface {
	Name() string
	Decide(snap models.IndicatorSnapshot, pos models.Position) models.TradeIntent
}

// Params holds strategy thresholds. Values are copied at construction.
type Params struct {
	// Momentum crossing levels.
	Upper float64
	Lower float64
	// Mean-reversion levels.
	Overbought float64
	Oversold   float64
	// Fraction of equity targeted by a BUY.
	TargetWeight float64
}

// DefaultParams returns the conventional 70/30 levels.
func DefaultParams() Params {
	return Params{
		Upper:        70,
		Lower:        30,
		Overbought:   70,
		Oversold:     30,
		TargetWeight: 0.2,
	}
}

// Validate checks threshold ordering and ranges.
func (p Params) Validate() error {
	if p.Lower < 0 || p.Upper > 100 || p.Lower >= p.Upper {
		return fmt.Errorf("momentum thresholds must satisfy 0 <= lower < upper <= 100, got %.2f/%.2f", p.Lower, p.Upper)
	}
	if p.Oversold < 0 || p.Overbought > 100 || p.Oversold >= p.Overbought {
		return fmt.Errorf("mean-reversion levels must satisfy 0 <= oversold < overbought <= 100, got %.2f/%.2f", p.Oversold, p.Overbought)
	}
	if p.TargetWeight <= 0 || p.TargetWeight > 1 {
		return fmt.Errorf("target weight must be in (0, 1], got %.2f", p.TargetWeight)
	}
	return nil
}

// New builds a strategy by name.
func New(name string, p Params) (Strategy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch name {
	case MomentumName:
		return NewMomentum(p), nil
	case MeanReversionName:
		return NewMeanReversion(p), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Names lists the registered strategies.
func Names() []string {
	return []string{MomentumName, MeanReversionName}
}

func buyIntent(snap models.IndicatorSnapshot, strategy string, weight float64, reason string) models.TradeIntent {
	return models.TradeIntent{
		Symbol:       snap.Symbol,
		Side:         models.SideBuy,
		Sizing:       models.SizingWeight,
		TargetWeight: weight,
		Price:        snap.Bar.Close,
		Reason:       reason,
		Strategy:     strategy,
		Timestamp:    snap.Bar.Timestamp,
	}
}

func flattenIntent(snap models.IndicatorSnapshot, strategy, reason string) models.TradeIntent {
	return models.TradeIntent{
		Symbol:         snap.Symbol,
		Side:           models.SideSell,
		Sizing:         models.SizingQuantity,
		TargetQuantity: 0,
		Price:          snap.Bar.Close,
		Reason:         reason,
		Strategy:       strategy,
		Timestamp:      snap.Bar.Timestamp,
	}
}
