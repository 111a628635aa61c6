package execution

import (
	"fmt"
	"sort"
	"sync"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// StateMachine owns the lifecycle of every order and enforces at most one
// non-terminal order per symbol.
type StateMachine struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	open   map[string]string // symbol -> order id
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		orders: make(map[string]*models.Order),
		open:   make(map[string]string),
	}
}

// Begin registers a PENDING order and reserves its symbol.
func (m *StateMachine) Begin(order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.Status != models.OrderPending {
		return fmt.Errorf("%w: new order %s must be %s, got %s", apperrors.ErrInvalidTransition, order.ID, models.OrderPending, order.Status)
	}
	if id, ok := m.open[order.Symbol]; ok {
		return fmt.Errorf("%w: %s has order %s", apperrors.ErrOrderInFlight, order.Symbol, id)
	}
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: duplicate order id %s", apperrors.ErrInvalidOrder, order.ID)
	}
	m.orders[order.ID] = order.Clone()
	m.open[order.Symbol] = order.ID
	return nil
}

// Rekey replaces a provisional id with the broker-assigned one.
func (m *StateMachine) Rekey(oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, oldID)
	}
	if oldID == newID {
		return nil
	}
	if _, taken := m.orders[newID]; taken {
		return fmt.Errorf("%w: duplicate order id %s", apperrors.ErrInvalidOrder, newID)
	}
	delete(m.orders, oldID)
	o.ID = newID
	m.orders[newID] = o
	if m.open[o.Symbol] == oldID {
		m.open[o.Symbol] = newID
	}
	return nil
}

// Transition moves an order to status without changing its fills.
func (m *StateMachine) Transition(id string, status models.OrderStatus, reason string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, id)
	}
	if !o.Status.CanTransition(status) {
		return o.Clone(), fmt.Errorf("%w: %s -> %s for order %s", apperrors.ErrInvalidTransition, o.Status, status, id)
	}
	o.Status = status
	if reason != "" {
		o.Reason = reason
	}
	m.release(o)
	return o.Clone(), nil
}

// Apply folds a broker update into the order. It reports whether anything
// changed; replayed or stale updates change nothing and are not errors.
func (m *StateMachine) Apply(u models.OrderUpdate) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[u.OrderID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, u.OrderID)
	}
	if u.FilledQty > o.Quantity {
		return o.Clone(), false, fmt.Errorf("%w: order %s filled %d of %d", apperrors.ErrInvalidOrder, o.ID, u.FilledQty, o.Quantity)
	}

	if u.FilledQty < o.FilledQty {
		return o.Clone(), false, nil
	}
	if u.Status == o.Status && u.FilledQty == o.FilledQty {
		return o.Clone(), false, nil
	}
	if o.Status.IsTerminal() {
		return o.Clone(), false, fmt.Errorf("%w: order %s is %s, update says %s", apperrors.ErrInvalidTransition, o.ID, o.Status, u.Status)
	}
	if u.Status != o.Status && !o.Status.CanTransition(u.Status) {
		return o.Clone(), false, fmt.Errorf("%w: %s -> %s for order %s", apperrors.ErrInvalidTransition, o.Status, u.Status, o.ID)
	}

	o.Status = u.Status
	o.FilledQty = u.FilledQty
	if u.FilledQty > 0 {
		o.AvgFillPrice = u.AvgFillPrice
	}
	if u.Fees > o.Fees {
		o.Fees = u.Fees
	}
	if u.Reason != "" {
		o.Reason = u.Reason
	}
	if !u.Timestamp.IsZero() {
		o.UpdatedAt = u.Timestamp
	}
	m.release(o)
	return o.Clone(), true, nil
}

// release must be called with m.mu held.
func (m *StateMachine) release(o *models.Order) {
	if o.Status.IsTerminal() && m.open[o.Symbol] == o.ID {
		delete(m.open, o.Symbol)
	}
}

// Get returns a copy of an order.
func (m *StateMachine) Get(id string) (*models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OpenOrder returns the outstanding order for symbol, if any.
func (m *StateMachine) OpenOrder(symbol string) (*models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[symbol]
	if !ok {
		return nil, false
	}
	return m.orders[id].Clone(), true
}

// OpenOrders returns the number of non-terminal orders.
func (m *StateMachine) OpenOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Orders returns copies of all orders, oldest first.
func (m *StateMachine) Orders() []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
