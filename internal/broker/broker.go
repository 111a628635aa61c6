// Package broker provides the broker boundary and its simulated paper implementation.
package broker

import (
	"context"

	"rsi-trader/internal/models"
)

// Broker defines the order routing operations the execution gateway relies on.
// Every method may return *errors.BrokerTransientError (retryable) or
// *errors.BrokerFatalError (halts the symbol).
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (models.OrderUpdate, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAccount(ctx context.Context) (Account, error)

	// Notifications delivers asynchronous order updates. The channel is
	// closed when the broker shuts down.
	Notifications() <-chan models.OrderUpdate
}

// PriceSource supplies the latest traded price for a symbol.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
}

// OrderRequest is a market order sent to a broker.
type OrderRequest struct {
	Symbol         string
	Side           models.Side
	Quantity       int64
	ReferencePrice float64
	Tag            string
}

// Account is the broker-side view of funds and holdings.
type Account struct {
	Cash      float64
	Positions map[string]int64
}
