// Package execution turns approved orders into broker or simulator orders and
// tracks them to a terminal state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rsi-trader/internal/broker"
	"rsi-trader/internal/config"
	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/logging"
	"rsi-trader/internal/metrics"
	"rsi-trader/internal/models"
	"rsi-trader/internal/resilience"
	"rsi-trader/pkg/utils"
)

// Config holds gateway configuration.
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	PollInterval     time.Duration
	FillTimeout      time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	Costs            CostModel
}

// ConfigFrom converts the execution section of the run configuration.
func ConfigFrom(c config.ExecutionConfig) Config {
	return Config{
		MaxAttempts:      c.MaxAttempts,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		PollInterval:     c.PollInterval,
		FillTimeout:      c.FillTimeout,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		Costs:            CostModelFromConfig(c.Costs),
	}
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      4,
		InitialBackoff:   200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		PollInterval:     time.Second,
		FillTimeout:      30 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMetrics instruments the gateway.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithFunds lets the backtest simulator cap buys at available cash.
func WithFunds(funds func() float64) Option {
	return func(g *Gateway) {
		if g.sim != nil {
			g.sim = NewSimulator(g.sim.Costs(), funds)
		}
	}
}

// Gateway is the single path from approved orders to executions. In
// backtest mode it resolves orders synchronously through a Simulator; in
// paper mode it routes them to a broker and tracks notifications.
type Gateway struct {
	cfg     Config
	mode    string
	broker  broker.Broker
	sim     *Simulator
	breaker *resilience.CircuitBreaker
	orders  *StateMachine
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu   sync.Mutex
	seq  int64
	subs map[string]chan models.OrderUpdate
}

// NewBacktestGateway creates a gateway that fills against historical bars.
func NewBacktestGateway(cfg Config, logger zerolog.Logger, opts ...Option) *Gateway {
	g := newGateway(cfg, config.ModeBacktest, logger)
	g.sim = NewSimulator(cfg.Costs, nil)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewPaperGateway creates a gateway that routes orders to b.
func NewPaperGateway(cfg Config, b broker.Broker, logger zerolog.Logger, opts ...Option) *Gateway {
	g := newGateway(cfg, config.ModePaper, logger)
	g.broker = b
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		IsFailure:        apperrors.IsTransient,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			g.logger.Warn().Str("circuit", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
			g.metrics.Circuit(name, string(to))
		},
	})
	return g
}

func newGateway(cfg Config, mode string, logger zerolog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	return &Gateway{
		cfg:    cfg,
		mode:   mode,
		orders: NewStateMachine(),
		logger: logging.WithComponent(logger, "execution"),
		subs:   make(map[string]chan models.OrderUpdate),
	}
}

// Mode returns backtest or paper.
func (g *Gateway) Mode() string {
	return g.mode
}

// Breaker returns the broker circuit breaker; nil in backtest mode.
func (g *Gateway) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Submit sends an approved order. Backtest orders come back terminal; paper
// orders come back SUBMITTED, or REJECTED with reason broker_unavailable when
// transient failures outlast the retry budget. A BrokerFatalError is
// returned alongside the rejected order.
func (g *Gateway) Submit(ctx context.Context, approved models.ApprovedOrder) (*models.Order, error) {
	if approved.Quantity <= 0 || (approved.Side != models.SideBuy && approved.Side != models.SideSell) {
		return nil, fmt.Errorf("%w: %s %s %d", apperrors.ErrInvalidOrder, approved.Symbol, approved.Side, approved.Quantity)
	}

	order := &models.Order{
		ID:             g.nextID(approved.Symbol),
		Symbol:         approved.Symbol,
		Side:           approved.Side,
		Quantity:       approved.Quantity,
		ReferencePrice: approved.Price,
		Status:         models.OrderPending,
	}
	if g.sim != nil {
		order.SubmittedAt = approved.Intent.Timestamp
	} else {
		order.SubmittedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.SubmittedAt

	if err := g.orders.Begin(order); err != nil {
		return nil, err
	}

	if g.sim != nil {
		return g.simulate(order, approved.FillBar)
	}
	return g.route(ctx, order)
}

func (g *Gateway) nextID(symbol string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	if g.sim != nil {
		return fmt.Sprintf("BT-%s-%d", symbol, g.seq)
	}
	return fmt.Sprintf("PENDING-%s-%d", symbol, g.seq)
}

func (g *Gateway) simulate(order *models.Order, bar *models.Bar) (*models.Order, error) {
	if _, err := g.orders.Transition(order.ID, models.OrderSubmitted, ""); err != nil {
		return nil, err
	}
	var result *models.Order
	for _, u := range g.sim.Steps(order, bar) {
		var err error
		if result, _, err = g.orders.Apply(u); err != nil {
			return result, err
		}
	}
	g.finished(result)
	return result, nil
}

func (g *Gateway) route(ctx context.Context, order *models.Order) (*models.Order, error) {
	log := logging.WithSymbol(g.logger, order.Symbol)
	req := broker.OrderRequest{
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       order.Quantity,
		ReferencePrice: order.ReferencePrice,
		Tag:            order.ID,
	}

	retry := utils.RetryConfig{
		MaxAttempts:   g.cfg.MaxAttempts,
		InitialDelay:  g.cfg.InitialBackoff,
		MaxDelay:      g.cfg.MaxBackoff,
		BackoffFactor: 2,
		Retryable:     apperrors.IsTransient,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			g.metrics.Retry("submit")
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Order submission failed, retrying")
		},
	}

	start := time.Now()
	brokerID, attempts, err := utils.RetryWithResult(ctx, retry, func(ctx context.Context) (string, error) {
		return guarded(g, ctx, "submit", func(ctx context.Context) (string, error) {
			return g.broker.SubmitOrder(ctx, req)
		})
	})
	logging.LogBrokerCall(log, "submit", attempts, time.Since(start), err)
	g.metrics.ObserveSubmit(g.mode, time.Since(start))

	if err != nil {
		code := apperrors.ReasonBrokerUnavailable
		if apperrors.IsBrokerFatal(err) {
			code = apperrors.ReasonBrokerRejected
		}
		rejected, terr := g.orders.Transition(order.ID, models.OrderRejected, fmt.Sprintf("%s: %v", code, err))
		if terr != nil {
			return rejected, terr
		}
		g.finished(rejected)
		if apperrors.IsBrokerFatal(err) || ctx.Err() != nil {
			return rejected, err
		}
		return rejected, nil
	}

	if err := g.orders.Rekey(order.ID, brokerID); err != nil {
		return nil, err
	}
	submitted, err := g.orders.Transition(brokerID, models.OrderSubmitted, "")
	if err != nil {
		// a notification may already have advanced the order
		if current, ok := g.orders.Get(brokerID); ok && current.Status != models.OrderPending {
			return current, nil
		}
		return submitted, err
	}
	logging.LogOrder(log, submitted.ID, submitted.Symbol, string(submitted.Side), string(submitted.Status), 0, 0)
	return submitted, nil
}

// guarded runs a broker call through the circuit breaker. An open circuit is
// reported as a transient broker failure.
func guarded[T any](g *Gateway, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.ExecuteWithResult(g.breaker, ctx, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return v, apperrors.NewBrokerTransientError(op, err)
	}
	return v, err
}

// Run drains broker notifications until ctx is done or the broker closes
// its channel. It is a no-op in backtest mode.
func (g *Gateway) Run(ctx context.Context) error {
	if g.broker == nil {
		return nil
	}
	notifications := g.broker.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-notifications:
			if !ok {
				return nil
			}
			if _, _, err := g.Apply(u); err != nil {
				g.logger.Warn().Err(err).Str("order_id", u.OrderID).Str("status", string(u.Status)).Msg("Ignoring order update")
			}
		}
	}
}

// Apply records an order update and forwards it to the symbol's subscribers.
// Applying an update that adds nothing is a no-op.
func (g *Gateway) Apply(u models.OrderUpdate) (*models.Order, bool, error) {
	order, changed, err := g.orders.Apply(u)
	if err != nil || !changed {
		return order, changed, err
	}
	logging.LogOrder(g.logger, order.ID, order.Symbol, string(order.Side), string(order.Status), order.FilledQty, order.AvgFillPrice)
	if order.Status.IsTerminal() {
		g.finished(order)
	}

	ch := g.Updates(order.Symbol)
	select {
	case ch <- u:
	default:
		// Await also polls, so a full buffer only delays the waiter
	}
	return order, true, nil
}

// Updates returns the channel carrying updates for symbol's orders.
func (g *Gateway) Updates(symbol string) chan models.OrderUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.subs[symbol]
	if !ok {
		ch = make(chan models.OrderUpdate, 32)
		g.subs[symbol] = ch
	}
	return ch
}

// Await blocks until the order is terminal, polling the broker every
// PollInterval. After FillTimeout it requests cancellation and returns the
// order in whatever state the broker reports; it never assumes a fill.
func (g *Gateway) Await(ctx context.Context, orderID string) (*models.Order, error) {
	order, ok := g.orders.Get(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() || g.broker == nil {
		return order, nil
	}

	start := time.Now()
	defer func() { g.metrics.ObserveFillWait(time.Since(start)) }()

	updates := g.Updates(order.Symbol)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.cfg.FillTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			current, _ := g.orders.Get(orderID)
			return current, ctx.Err()
		case <-updates:
		case <-ticker.C:
			g.poll(ctx, orderID)
		case <-deadline.C:
			return g.cancelOnTimeout(ctx, orderID)
		}

		if current, _ := g.orders.Get(orderID); current.Status.IsTerminal() {
			return current, nil
		}
	}
}

func (g *Gateway) poll(ctx context.Context, orderID string) {
	u, err := guarded(g, ctx, "status", func(ctx context.Context) (models.OrderUpdate, error) {
		return g.broker.GetOrderStatus(ctx, orderID)
	})
	if err != nil {
		g.logger.Debug().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
		return
	}
	if _, _, err := g.Apply(u); err != nil {
		g.logger.Warn().Err(err).Str("order_id", orderID).Msg("Ignoring polled order status")
	}
}

func (g *Gateway) cancelOnTimeout(ctx context.Context, orderID string) (*models.Order, error) {
	log := logging.WithOrderID(g.logger, orderID)
	_, err := guarded(g, ctx, "cancel", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.broker.CancelOrder(ctx, orderID)
	})
	if err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
		log.Warn().Err(err).Msg("Cancel after fill timeout failed; order stays outstanding")
	} else {
		log.Info().Dur("timeout", g.cfg.FillTimeout).Msg("Order timed out, cancellation requested")
	}

	g.poll(ctx, orderID)
	current, _ := g.orders.Get(orderID)
	return current, nil
}

func (g *Gateway) finished(o *models.Order) {
	g.metrics.OrderFinished(string(o.Status))
}

// Order returns the latest state of an order.
func (g *Gateway) Order(id string) (*models.Order, bool) {
	return g.orders.Get(id)
}

// OpenOrder returns symbol's outstanding order, if any.
func (g *Gateway) OpenOrder(symbol string) (*models.Order, bool) {
	return g.orders.OpenOrder(symbol)
}

// OpenOrders returns the number of outstanding orders.
func (g *Gateway) OpenOrders() int {
	return g.orders.OpenOrders()
}

// Orders returns every order seen by the gateway, oldest first.
func (g *Gateway) Orders() []*models.Order {
	return g.orders.Orders()
}
