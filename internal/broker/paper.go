package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/models"
)

// PaperBroker simulates a paper-trading endpoint in-process. Orders are
// acknowledged immediately and filled asynchronously after FillLatency at the
// current price, optionally in two tranches.
type PaperBroker struct {
	cfg    PaperBrokerConfig
	logger zerolog.Logger

	universe map[string]bool

	mu        sync.Mutex
	orders    map[string]*models.Order
	cash      float64
	positions map[string]int64
	prices    map[string]float64
	rng       *rand.Rand

	notify    chan models.OrderUpdate
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PaperBrokerConfig holds configuration for paper broker.
type PaperBrokerConfig struct {
	Symbols     []string // tradable universe; empty allows any symbol
	InitialCash float64
	FillLatency time.Duration
	// PartialFillRatio is the fraction filled in the first tranche; 0 fills at once.
	PartialFillRatio float64
	// FailureRate is the probability a submit fails with a transient error.
	FailureRate float64
	Seed        int64
	Prices      PriceSource
	// Fees computes the commission for a fill notional. Nil charges nothing.
	Fees func(notional float64) float64
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig, logger zerolog.Logger) *PaperBroker {
	if cfg.InitialCash == 0 {
		cfg.InitialCash = 100000
	}
	universe := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		universe[s] = true
	}
	return &PaperBroker{
		cfg:       cfg,
		logger:    logging.WithComponent(logger, "paper_broker"),
		universe:  universe,
		orders:    make(map[string]*models.Order),
		cash:      cfg.InitialCash,
		positions: make(map[string]int64),
		prices:    make(map[string]float64),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		notify:    make(chan models.OrderUpdate, 256),
		done:      make(chan struct{}),
	}
}

// SubmitOrder acknowledges a market order and schedules its fill.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewBrokerTransientError("submit", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed() {
		return "", apperrors.NewBrokerFatalError("submit", req.Symbol, fmt.Errorf("broker closed"))
	}

	if len(p.universe) > 0 && !p.universe[req.Symbol] {
		return "", apperrors.NewBrokerFatalError("submit", req.Symbol, apperrors.ErrSymbolNotFound)
	}
	if req.Quantity <= 0 || (req.Side != models.SideBuy && req.Side != models.SideSell) {
		return "", apperrors.NewBrokerFatalError("submit", req.Symbol,
			fmt.Errorf("%w: %s %d", apperrors.ErrInvalidOrder, req.Side, req.Quantity))
	}
	if p.cfg.FailureRate > 0 && p.rng.Float64() < p.cfg.FailureRate {
		return "", apperrors.NewBrokerTransientError("submit", apperrors.ErrConnectionFailed)
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		ReferencePrice: req.ReferencePrice,
		Status:         models.OrderSubmitted,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	p.orders[order.ID] = order
	if req.ReferencePrice > 0 {
		if _, ok := p.prices[req.Symbol]; !ok {
			p.prices[req.Symbol] = req.ReferencePrice
		}
	}

	p.wg.Add(1)
	go p.execute(order.ID)

	logging.LogOrder(p.logger, order.ID, order.Symbol, string(order.Side), string(order.Status), 0, 0)
	return order.ID, nil
}

// execute fills an order after the configured latency.
func (p *PaperBroker) execute(orderID string) {
	defer p.wg.Done()

	tranches := []float64{1}
	if r := p.cfg.PartialFillRatio; r > 0 && r < 1 {
		tranches = []float64{r, 1}
	}

	for _, frac := range tranches {
		if !p.sleep(p.cfg.FillLatency) {
			return
		}
		price := p.currentPrice(orderID)

		update, ok := p.fillTranche(orderID, frac, price)
		if !ok {
			if frac < 1 {
				// first tranche rounded to zero shares
				continue
			}
			return
		}
		p.publish(update)
		if update.Status.IsTerminal() {
			return
		}
	}
}

func (p *PaperBroker) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return false
	case <-t.C:
		return true
	}
}

func (p *PaperBroker) currentPrice(orderID string) float64 {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return 0
	}
	symbol, ref := order.Symbol, order.ReferencePrice
	last := p.prices[symbol]
	p.mu.Unlock()

	if p.cfg.Prices != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if q, err := p.cfg.Prices.Quote(ctx, symbol); err == nil && q.LTP > 0 {
			return q.LTP
		} else if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("Quote unavailable, using last price")
		}
	}
	if last > 0 {
		return last
	}
	return ref
}

// fillTranche moves the order to frac of its quantity filled.
func (p *PaperBroker) fillTranche(orderID string, frac, price float64) (models.OrderUpdate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return models.OrderUpdate{}, false
	}
	now := time.Now().UTC()

	if price <= 0 {
		order.Status = models.OrderRejected
		order.Reason = "no price available"
		order.UpdatedAt = now
		return toUpdate(order), true
	}

	target := int64(float64(order.Quantity) * frac)
	if frac >= 1 || target > order.Quantity {
		target = order.Quantity
	}
	qty := target - order.FilledQty
	if qty <= 0 {
		return models.OrderUpdate{}, false
	}

	notional := float64(qty) * price
	fees := 0.0
	if p.cfg.Fees != nil {
		fees = p.cfg.Fees(notional)
	}

	switch order.Side {
	case models.SideBuy:
		if p.cash < notional+fees {
			order.Status = terminalAfterShortfall(order)
			order.Reason = fmt.Sprintf("insufficient funds: need %.2f, have %.2f", notional+fees, p.cash)
			order.UpdatedAt = now
			return toUpdate(order), true
		}
		p.cash -= notional + fees
		p.positions[order.Symbol] += qty
	case models.SideSell:
		if p.positions[order.Symbol] < qty {
			order.Status = terminalAfterShortfall(order)
			order.Reason = fmt.Sprintf("insufficient holdings: need %d, have %d", qty, p.positions[order.Symbol])
			order.UpdatedAt = now
			return toUpdate(order), true
		}
		p.cash += notional - fees
		p.positions[order.Symbol] -= qty
	}

	order.AvgFillPrice = (float64(order.FilledQty)*order.AvgFillPrice + notional) / float64(order.FilledQty+qty)
	order.FilledQty += qty
	order.Fees += fees
	order.UpdatedAt = now
	p.prices[order.Symbol] = price
	if order.FilledQty == order.Quantity {
		order.Status = models.OrderFilled
	} else {
		order.Status = models.OrderPartiallyFilled
	}

	logging.LogOrder(p.logger, order.ID, order.Symbol, string(order.Side), string(order.Status), order.FilledQty, order.AvgFillPrice)
	return toUpdate(order), true
}

// terminalAfterShortfall rejects an untouched order and cancels the rest of a partial one.
func terminalAfterShortfall(order *models.Order) models.OrderStatus {
	if order.FilledQty > 0 {
		return models.OrderCancelled
	}
	return models.OrderRejected
}

func (p *PaperBroker) publish(u models.OrderUpdate) {
	select {
	case p.notify <- u:
	case <-p.done:
	}
}

func toUpdate(o *models.Order) models.OrderUpdate {
	return models.OrderUpdate{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Status:       o.Status,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Fees:         o.Fees,
		Reason:       o.Reason,
		Timestamp:    o.UpdatedAt,
	}
}

// GetOrderStatus returns the latest state of an order.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (models.OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return models.OrderUpdate{}, apperrors.NewBrokerFatalError("status", "", fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID))
	}
	return toUpdate(order), nil
}

// CancelOrder cancels the unfilled remainder of an order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewBrokerFatalError("cancel", "", fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID))
	}
	if order.Status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s order %s", apperrors.ErrInvalidTransition, order.Status, orderID)
	}
	order.Status = models.OrderCancelled
	order.Reason = "cancelled by client"
	order.UpdatedAt = time.Now().UTC()
	update := toUpdate(order)
	closed := p.isClosed()
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if !closed {
		defer p.wg.Done()
		p.publish(update)
	}
	return nil
}

// GetAccount returns the simulated account.
func (p *PaperBroker) GetAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make(map[string]int64, len(p.positions))
	for sym, qty := range p.positions {
		if qty != 0 {
			positions[sym] = qty
		}
	}
	return Account{Cash: p.cash, Positions: positions}, nil
}

// Notifications returns the channel of asynchronous order updates.
func (p *PaperBroker) Notifications() <-chan models.OrderUpdate {
	return p.notify
}

// UpdatePrice records the latest observed price for symbol.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// isClosed must be called with p.mu held.
func (p *PaperBroker) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close stops pending fills and closes the notification channel.
func (p *PaperBroker) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.done)
		p.mu.Unlock()
		p.wg.Wait()
		close(p.notify)
	})
	return nil
}
