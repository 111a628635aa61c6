// Package metrics exposes Prometheus instrumentation for trading runs.
//
// Every method is safe on a nil *Metrics, so components can be built without
// instrumentation in tests and backtests.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rsi-trader/internal/logging"
)

const namespace = "rsitrader"

// Metrics holds all Prometheus metrics for a trading run.
type Metrics struct {
	registry *prometheus.Registry

	BarsTotal       *prometheus.CounterVec // labels: symbol
	DataGapsTotal   *prometheus.CounterVec // labels: symbol
	IntentsTotal    *prometheus.CounterVec // labels: strategy, side
	RejectionsTotal *prometheus.CounterVec // labels: code
	OrdersTotal     *prometheus.CounterVec // labels: status
	BrokerRetries   *prometheus.CounterVec // labels: op
	SubmitDuration  *prometheus.HistogramVec
	FillDuration    prometheus.Histogram
	Equity          prometheus.Gauge
	Cash            prometheus.Gauge
	OpenPositions   prometheus.Gauge
	CircuitState    *prometheus.GaugeVec // 0=closed, 1=open, 2=half-open

	health *Health
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_total",
			Help:      "Bars processed by the indicator engine",
		}, []string{"symbol"}),
		DataGapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_gaps_total",
			Help:      "Bars skipped as duplicate, out of order or malformed",
		}, []string{"symbol"}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Non-hold trade intents emitted by strategies",
		}, []string{"strategy", "side"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Intents rejected by the risk manager",
		}, []string{"code"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders reaching a terminal state",
		}, []string{"status"}),
		BrokerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_retries_total",
			Help:      "Broker calls retried after a transient failure",
		}, []string{"op"}),
		SubmitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_submit_duration_seconds",
			Help:      "Time from submission to broker acknowledgement, retries included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		FillDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_fill_wait_seconds",
			Help:      "Time spent awaiting a terminal order state",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_equity",
			Help:      "Marked-to-market portfolio equity",
		}),
		Cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_cash",
			Help:      "Portfolio cash balance",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_open_positions",
			Help:      "Symbols with a non-zero position",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		health: NewHealth(),
	}

	m.registry.MustRegister(
		m.BarsTotal,
		m.DataGapsTotal,
		m.IntentsTotal,
		m.RejectionsTotal,
		m.OrdersTotal,
		m.BrokerRetries,
		m.SubmitDuration,
		m.FillDuration,
		m.Equity,
		m.Cash,
		m.OpenPositions,
		m.CircuitState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Health returns the run health tracker.
func (m *Metrics) Health() *Health {
	if m == nil {
		return nil
	}
	return m.health
}

// Bar records a processed bar.
func (m *Metrics) Bar(symbol string, ts time.Time) {
	if m == nil {
		return
	}
	m.BarsTotal.WithLabelValues(symbol).Inc()
	m.health.SetLastBar(symbol, ts)
}

// DataGap records a skipped bar.
func (m *Metrics) DataGap(symbol string) {
	if m == nil {
		return
	}
	m.DataGapsTotal.WithLabelValues(symbol).Inc()
}

// Intent records a non-hold intent.
func (m *Metrics) Intent(strategy, side string) {
	if m == nil {
		return
	}
	m.IntentsTotal.WithLabelValues(strategy, side).Inc()
}

// Rejection records a risk rejection.
func (m *Metrics) Rejection(code string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

// OrderFinished records an order reaching a terminal status.
func (m *Metrics) OrderFinished(status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(status).Inc()
}

// Retry records a retried broker call.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.BrokerRetries.WithLabelValues(op).Inc()
}

// ObserveSubmit records submission latency.
func (m *Metrics) ObserveSubmit(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveFillWait records how long an await took.
func (m *Metrics) ObserveFillWait(d time.Duration) {
	if m == nil {
		return
	}
	m.FillDuration.Observe(d.Seconds())
}

// Portfolio records the latest account figures.
func (m *Metrics) Portfolio(equity, cash float64, open int) {
	if m == nil {
		return
	}
	m.Equity.Set(equity)
	m.Cash.Set(cash)
	m.OpenPositions.Set(float64(open))
}

// Circuit records a circuit breaker state change.
func (m *Metrics) Circuit(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 2
	}
	m.CircuitState.WithLabelValues(name).Set(v)
	m.health.SetCircuit(name, state)
}

// Health tracks liveness facts served on /healthz.
type Health struct {
	mu        sync.RWMutex
	startedAt time.Time
	lastBar   map[string]time.Time
	circuits  map[string]string
	halted    map[string]string
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{
		startedAt: time.Now(),
		lastBar:   make(map[string]time.Time),
		circuits:  make(map[string]string),
		halted:    make(map[string]string),
	}
}

// SetLastBar records the timestamp of the latest bar for symbol.
func (h *Health) SetLastBar(symbol string, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBar[symbol] = ts
}

// SetCircuit records the state of a circuit breaker.
func (h *Health) SetCircuit(name, state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.circuits[name] = state
}

// Halt marks a symbol as no longer trading.
func (h *Health) Halt(symbol, reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[symbol] = reason
}

// ServeHTTP handles the /healthz endpoint.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	for _, state := range h.circuits {
		if state != "CLOSED" {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	lastBar := make(map[string]string, len(h.lastBar))
	for sym, ts := range h.lastBar {
		lastBar[sym] = ts.UTC().Format(time.RFC3339)
	}

	body := struct {
		Status   string            `json:"status"`
		Uptime   string            `json:"uptime"`
		LastBar  map[string]string `json:"last_bar"`
		Circuits map[string]string `json:"circuits"`
		Halted   map[string]string `json:"halted"`
	}{
		Status:   status,
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
		LastBar:  lastBar,
		Circuits: h.circuits,
		Halted:   h.halted,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics and health server for m.
func NewServer(addr string, m *Metrics, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.Handle("/healthz", m.health)

	return &Server{
		addr:   addr,
		logger: logging.WithComponent(logger, "metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
