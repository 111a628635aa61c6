package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderSubmitted, OrderRejected, OrderCancelled},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderRejected, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// HasFills reports whether the status implies executed quantity may exist.
func (s OrderStatus) HasFills() bool {
	return s == OrderFilled || s == OrderPartiallyFilled || s == OrderCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ApprovedOrder is a risk-checked order ready for the execution gateway.
type ApprovedOrder struct {
	Intent     TradeIntent
	Symbol     string
	Side       Side
	Quantity   int64
	Price      float64
	CurrentQty int64
	TargetQty  int64
	Clamped    bool

	// FillBar is the bar a backtest fills against; nil in paper mode.
	FillBar *Bar
}

// Order is a request sent to a broker or simulator, plus its execution state.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Quantity       int64       `json:"quantity"`
	ReferencePrice float64     `json:"reference_price"`
	Status         OrderStatus `json:"status"`
	FilledQty      int64       `json:"filled_qty"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Fees           float64     `json:"fees"`
	Reason         string      `json:"reason,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RemainingQty is the unfilled quantity.
func (o *Order) RemainingQty() int64 {
	return o.Quantity - o.FilledQty
}

// Clone returns a copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// OrderUpdate is an asynchronous notification from a broker.
// FilledQty and AvgFillPrice are cumulative for the order.
type OrderUpdate struct {
	OrderID      string
	Symbol       string
	Status       OrderStatus
	FilledQty    int64
	AvgFillPrice float64
	Fees         float64
	Reason       string
	Timestamp    time.Time
}

// Fill is one execution applied to the portfolio.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  int64     `json:"quantity"`
	Price     float64   `json:"price"`
	Fees      float64   `json:"fees"`
	Timestamp time.Time `json:"timestamp"`
}

// Notional is the gross traded value.
func (f Fill) Notional() float64 {
	return float64(f.Quantity) * f.Price
}
