// Package risk validates trade intents against position and cash limits.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
)

// Limits defines configurable risk thresholds.
type Limits struct {
	MaxPositionPct    float64 // max position value as a fraction of equity, 0 disables
	MaxPositionQty    int64   // max absolute quantity per symbol, 0 disables
	MaxOpenPositions  int     // max symbols held at once, 0 disables
	CashReserveFactor float64 // fraction of cash a single buy may use
	AllowShort        bool
}

// DefaultLimits returns conservative default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:    0.25,
		MaxOpenPositions:  5,
		CashReserveFactor: 0.98,
	}
}

// Manager converts intents into approved orders or rejections.
// It holds no mutable state; every decision is a function of its inputs.
type Manager struct {
	limits Limits
	logger zerolog.Logger
}

// NewManager creates a risk manager.
func NewManager(limits Limits, logger zerolog.Logger) *Manager {
	if limits.CashReserveFactor <= 0 || limits.CashReserveFactor > 1 {
		limits.CashReserveFactor = 1
	}
	return &Manager{
		limits: limits,
		logger: logging.WithComponent(logger, "risk"),
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// Validate checks an intent against the portfolio snapshot. It returns an
// approved order or a *errors.RiskRejection. HOLD intents are rejected with
// reason no_change; callers normally filter them out first.
func (m *Manager) Validate(intent models.TradeIntent, snap models.PortfolioSnapshot) (models.ApprovedOrder, error) {
	order, err := m.validate(intent, snap)
	if err != nil {
		if rej, ok := apperrors.AsRejection(err); ok {
			logging.LogRejection(m.logger, intent.Symbol, string(intent.Side), string(rej.Code), rej.Message)
		}
		return models.ApprovedOrder{}, err
	}
	if order.Clamped {
		m.logger.Debug().
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Int64("quantity", order.Quantity).
			Int64("target", order.TargetQty).
			Msg("Order quantity clamped by risk limits")
	}
	return order, nil
}

func (m *Manager) validate(intent models.TradeIntent, snap models.PortfolioSnapshot) (models.ApprovedOrder, error) {
	reject := func(code apperrors.ReasonCode, current, limit float64, format string, args ...interface{}) (models.ApprovedOrder, error) {
		return models.ApprovedOrder{}, apperrors.NewRiskRejection(intent.Symbol, string(intent.Side), code, current, limit, fmt.Sprintf(format, args...))
	}

	if intent.IsHold() {
		return reject(apperrors.ReasonNoChange, 0, 0, "hold intent")
	}
	price := intent.Price
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return reject(apperrors.ReasonInvalidIntent, price, 0, "intent has no usable reference price")
	}

	equity := snap.Equity
	if equity == 0 {
		equity = snap.ComputeEquity()
	}
	current := snap.Position(intent.Symbol).Quantity

	var target int64
	switch intent.Sizing {
	case models.SizingWeight:
		if intent.TargetWeight < 0 && !m.limits.AllowShort {
			return reject(apperrors.ReasonInvalidIntent, intent.TargetWeight, 0, "negative weight without shorting")
		}
		target = int64(math.Floor(intent.TargetWeight * math.Max(equity, 0) / price))
	case models.SizingQuantity:
		target = intent.TargetQuantity
	default:
		return reject(apperrors.ReasonInvalidIntent, 0, 0, "unknown sizing %q", intent.Sizing)
	}

	switch intent.Side {
	case models.SideBuy:
		return m.validateBuy(intent, snap, equity, current, target, reject)
	case models.SideSell:
		return m.validateSell(intent, snap, equity, current, target, reject)
	default:
		return reject(apperrors.ReasonInvalidIntent, 0, 0, "unknown side %q", intent.Side)
	}
}

type rejectFunc func(code apperrors.ReasonCode, current, limit float64, format string, args ...interface{}) (models.ApprovedOrder, error)

// maxAbsQty is the largest position magnitude the limits allow at price.
func (m *Manager) maxAbsQty(equity, price float64) int64 {
	limit := int64(math.MaxInt64)
	if m.limits.MaxPositionQty > 0 {
		limit = m.limits.MaxPositionQty
	}
	if m.limits.MaxPositionPct > 0 {
		byPct := int64(math.Floor(m.limits.MaxPositionPct * math.Max(equity, 0) / price))
		if byPct < limit {
			limit = byPct
		}
	}
	return limit
}

func (m *Manager) opensNewPosition(snap models.PortfolioSnapshot, current int64) bool {
	return current == 0 && m.limits.MaxOpenPositions > 0 && snap.OpenPositions() >= m.limits.MaxOpenPositions
}

func (m *Manager) validateBuy(intent models.TradeIntent, snap models.PortfolioSnapshot, equity float64, current, target int64, reject rejectFunc) (models.ApprovedOrder, error) {
	price := intent.Price
	requested := target

	if target <= current {
		return reject(apperrors.ReasonNoChange, float64(current), float64(target), "target %d does not exceed current %d", target, current)
	}

	if limit := m.maxAbsQty(equity, price); target > limit {
		target = limit
	}
	if target <= current {
		return reject(apperrors.ReasonPositionLimit, float64(current), float64(target), "position already at limit")
	}

	if m.opensNewPosition(snap, current) {
		return reject(apperrors.ReasonMaxOpenPositions, float64(snap.OpenPositions()), float64(m.limits.MaxOpenPositions),
			"max open positions reached")
	}

	qty := target - current
	budget := snap.Cash * m.limits.CashReserveFactor
	affordable := int64(math.Floor(math.Max(budget, 0) / price))
	if qty > affordable {
		qty = affordable
	}
	if qty <= 0 {
		return reject(apperrors.ReasonInsufficientCash, price, budget, "cash %.2f cannot buy one share at %.2f", snap.Cash, price)
	}

	return models.ApprovedOrder{
		Intent:     intent,
		Symbol:     intent.Symbol,
		Side:       models.SideBuy,
		Quantity:   qty,
		Price:      price,
		CurrentQty: current,
		TargetQty:  current + qty,
		Clamped:    current+qty != requested,
	}, nil
}

func (m *Manager) validateSell(intent models.TradeIntent, snap models.PortfolioSnapshot, equity float64, current, target int64, reject rejectFunc) (models.ApprovedOrder, error) {
	requested := target

	if !m.limits.AllowShort {
		if current <= 0 {
			return reject(apperrors.ReasonInsufficientPos, float64(current), 0, "nothing to sell")
		}
		if target < 0 {
			target = 0
		}
	} else if target < 0 {
		if limit := m.maxAbsQty(equity, intent.Price); -target > limit {
			target = -limit
		}
		if m.opensNewPosition(snap, current) {
			return reject(apperrors.ReasonMaxOpenPositions, float64(snap.OpenPositions()), float64(m.limits.MaxOpenPositions),
				"max open positions reached")
		}
	}

	if target >= current {
		return reject(apperrors.ReasonNoChange, float64(current), float64(target), "target %d is not below current %d", target, current)
	}

	return models.ApprovedOrder{
		Intent:     intent,
		Symbol:     intent.Symbol,
		Side:       models.SideSell,
		Quantity:   current - target,
		Price:      intent.Price,
		CurrentQty: current,
		TargetQty:  target,
		Clamped:    target != requested,
	}, nil
}
