package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rsi-trader/internal/broker"
	"rsi-trader/internal/config"
	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/events"
	"rsi-trader/internal/execution"
	"rsi-trader/internal/feed"
	"rsi-trader/internal/models"
	"rsi-trader/internal/store"
)

var day0 = time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)

func testConfig(symbols ...string) *config.Config {
	cfg := config.Default()
	cfg.Symbols = symbols
	cfg.Strategy.Name = config.StrategyMomentum
	cfg.Strategy.RSIPeriod = 14
	cfg.Strategy.Upper = 70
	cfg.Strategy.Lower = 30
	cfg.Backtest.InitialCash = 100000
	cfg.Paper.InitialCash = 100000
	cfg.Execution.Costs = config.CostConfig{}
	return cfg
}

// closesRiseThenFall rises from 100 to 130 over 20 bars, then drops 5 per bar.
func closesRiseThenFall() []float64 {
	closes := make([]float64, 0, 35)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i)*30/19)
	}
	last := closes[len(closes)-1]
	for j := 1; j <= 15; j++ {
		closes = append(closes, last-float64(j)*5)
	}
	return closes
}

func barsFromCloses(symbol string, closes []float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	open := closes[0]
	for i, c := range closes {
		bars[i] = models.Bar{
			Symbol:    symbol,
			Timestamp: day0.AddDate(0, 0, i),
			Open:      open,
			High:      math.Max(open, c) + 0.5,
			Low:       math.Min(open, c) - 0.5,
			Close:     c,
			Volume:    1000,
		}
		open = c
	}
	return bars
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func fillsOf(log []models.TradeLogEntry) []models.TradeLogEntry {
	var out []models.TradeLogEntry
	for _, e := range log {
		if e.Kind == models.LogFill {
			out = append(out, e)
		}
	}
	return out
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig("TREND")
	cfg.Strategy.Name = "breakout"
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestBacktestMomentumRoundTrip(t *testing.T) {
	cfg := testConfig("TREND")
	bars := barsFromCloses("TREND", closesRiseThenFall())

	rep, err := newEngine(t, cfg).Backtest(context.Background(), map[string][]models.Bar{"TREND": bars}, nil)
	if err != nil {
		t.Fatalf("Backtest: %v", err)
	}

	fills := fillsOf(rep.TradeLog)
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d: %+v", len(fills), rep.TradeLog)
	}

	buy := fills[0]
	if buy.Side != models.SideBuy || buy.OrderID != "BT-TREND-1" {
		t.Errorf("first fill = %+v", buy)
	}
	// First defined RSI is on bar 14; the order fills at bar 15's open.
	if buy.Price != bars[15].Open || !buy.Timestamp.Equal(bars[15].Timestamp) {
		t.Errorf("buy filled at %v on %v, want %v on %v", buy.Price, buy.Timestamp, bars[15].Open, bars[15].Timestamp)
	}
	if want := int64(math.Floor(0.2 * 100000 / bars[14].Close)); buy.Quantity != want {
		t.Errorf("buy quantity = %d, want %d", buy.Quantity, want)
	}

	sell := fills[1]
	if sell.Side != models.SideSell || sell.Quantity != buy.Quantity {
		t.Errorf("second fill = %+v", sell)
	}
	if !sell.Timestamp.After(bars[20].Timestamp) {
		t.Errorf("sell should come during the decline, got %v", sell.Timestamp)
	}

	if rep.TradeCount != 2 || rep.RoundTrips != 1 || rep.Wins != 0 {
		t.Errorf("trades=%d trips=%d wins=%d", rep.TradeCount, rep.RoundTrips, rep.Wins)
	}
	if len(rep.Positions) != 0 {
		t.Errorf("expected flat book, got %+v", rep.Positions)
	}
	wantCash := 100000 + float64(buy.Quantity)*(sell.Price-buy.Price)
	if math.Abs(rep.FinalCash-wantCash) > 1e-6 || math.Abs(rep.FinalEquity-wantCash) > 1e-6 {
		t.Errorf("cash=%v equity=%v, want %v", rep.FinalCash, rep.FinalEquity, wantCash)
	}
	if !strings.HasPrefix(rep.RunID, "bt-") || rep.Mode != config.ModeBacktest {
		t.Errorf("run id %q mode %q", rep.RunID, rep.Mode)
	}
}

func TestBacktestFlatSeriesDoesNotTrade(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 250
	}
	rep, err := newEngine(t, testConfig("FLAT")).Backtest(context.Background(),
		map[string][]models.Bar{"FLAT": barsFromCloses("FLAT", closes)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TradeCount != 0 || len(rep.TradeLog) != 0 {
		t.Errorf("flat series traded: %+v", rep.TradeLog)
	}
	if rep.FinalEquity != 100000 || rep.TotalReturnPct != 0 {
		t.Errorf("equity=%v return=%v", rep.FinalEquity, rep.TotalReturnPct)
	}
}

func TestBacktestIsDeterministic(t *testing.T) {
	src := feed.NewSyntheticSource(7)
	from, to := day0, day0.AddDate(0, 6, 0)
	symbols := []string{"INFY", "TCS"}
	data, gaps, err := feed.Load(context.Background(), src, symbols, from, to)
	if err != nil {
		t.Fatal(err)
	}

	run := func() ([]byte, string) {
		e := newEngine(t, testConfig(symbols...))
		rep, err := e.Backtest(context.Background(), data, gaps)
		if err != nil {
			t.Fatal(err)
		}
		out, err := rep.JSON()
		if err != nil {
			t.Fatal(err)
		}
		return out, e.RunID()
	}

	a, idA := run()
	b, idB := run()
	if idA != idB {
		t.Errorf("run ids differ: %s %s", idA, idB)
	}
	if !bytes.Equal(a, b) {
		t.Error("two runs on the same data produced different reports")
	}
}

func TestBacktestRunIDDependsOnInputs(t *testing.T) {
	bars := barsFromCloses("TREND", closesRiseThenFall())
	data := map[string][]models.Bar{"TREND": bars}

	cfg := testConfig("TREND")
	base := BacktestRunID(cfg, data)

	cfg.Strategy.Upper = 65
	if BacktestRunID(cfg, data) == base {
		t.Error("run id ignores strategy settings")
	}

	changed := append([]models.Bar(nil), bars...)
	changed[3].Close += 0.01
	if BacktestRunID(testConfig("TREND"), map[string][]models.Bar{"TREND": changed}) == base {
		t.Error("run id ignores bar data")
	}
}

func TestBacktestLogsRejections(t *testing.T) {
	cfg := testConfig("TREND")
	cfg.Risk.CashReserveFactor = 0.001

	rep, err := newEngine(t, cfg).Backtest(context.Background(),
		map[string][]models.Bar{"TREND": barsFromCloses("TREND", closesRiseThenFall())}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TradeCount != 0 {
		t.Fatalf("expected no fills, got %d", rep.TradeCount)
	}
	if rep.Rejections == 0 {
		t.Fatal("expected rejections in the trade log")
	}
	first := rep.TradeLog[0]
	if first.Kind != models.LogRejection || !strings.HasPrefix(first.Reason, "insufficient_cash") {
		t.Errorf("first entry = %+v", first)
	}
}

func TestBacktestRecordsDataGaps(t *testing.T) {
	bars := barsFromCloses("TREND", closesRiseThenFall())
	bars[5].Low = -1
	prepared, gaps := feed.Prepare("TREND", bars)

	rep, err := newEngine(t, testConfig("TREND")).Backtest(context.Background(),
		map[string][]models.Bar{"TREND": prepared}, gaps)
	if err != nil {
		t.Fatal(err)
	}
	if rep.DataGaps != 1 {
		t.Errorf("data gaps = %d, want 1", rep.DataGaps)
	}
}

func TestBacktestEndOfDataCancels(t *testing.T) {
	closes := closesRiseThenFall()[:15]
	rep, err := newEngine(t, testConfig("TREND")).Backtest(context.Background(),
		map[string][]models.Bar{"TREND": barsFromCloses("TREND", closes)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cancels != 1 || rep.TradeCount != 0 {
		t.Fatalf("cancels=%d trades=%d", rep.Cancels, rep.TradeCount)
	}
	if last := rep.TradeLog[len(rep.TradeLog)-1]; last.Reason != "end_of_data" {
		t.Errorf("cancel reason = %q", last.Reason)
	}
}

func TestBacktestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newEngine(t, testConfig("TREND")).Backtest(ctx,
		map[string][]models.Bar{"TREND": barsFromCloses("TREND", closesRiseThenFall())}, nil)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep == nil || rep.TradeCount != 0 {
		t.Errorf("expected an empty partial report, got %+v", rep)
	}
}

func TestBacktestJournalsAndPublishes(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rec := &events.Recorder{}

	e := newEngine(t, testConfig("TREND"), WithJournal(s), WithPublisher(rec))
	rep, err := e.Backtest(context.Background(),
		map[string][]models.Bar{"TREND": barsFromCloses("TREND", closesRiseThenFall())}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != rep.RunID || runs[0].Status != store.RunCompleted {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].FinalEquity != rep.FinalEquity {
		t.Errorf("journaled equity %v, report %v", runs[0].FinalEquity, rep.FinalEquity)
	}

	entries, err := s.Entries(ctx, store.EntryFilter{RunID: rep.RunID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(rep.TradeLog) {
		t.Errorf("journaled %d entries, trade log has %d", len(entries), len(rep.TradeLog))
	}
	snaps, err := s.Snapshots(ctx, rep.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != rep.TradeCount {
		t.Errorf("journaled %d snapshots for %d fills", len(snaps), rep.TradeCount)
	}

	if n := len(rec.Events(events.TypeRunStarted)); n != 1 {
		t.Errorf("run_started events = %d", n)
	}
	if n := len(rec.Events(events.TypeRunFinished)); n != 1 {
		t.Errorf("run_finished events = %d", n)
	}
	if n := len(rec.Events(events.TypeTradeLog)); n != len(rep.TradeLog) {
		t.Errorf("trade_log events = %d, want %d", n, len(rep.TradeLog))
	}
	if n := len(rec.Events(events.TypeSnapshot)); n != rep.TradeCount {
		t.Errorf("snapshot events = %d, want %d", n, rep.TradeCount)
	}
	for _, ev := range rec.Events() {
		if ev.RunID != rep.RunID {
			t.Fatalf("event %s carries run id %q", ev.Type, ev.RunID)
		}
	}
}

// scriptQuoter replays fixed prices per symbol, one per call.
type scriptQuoter struct {
	mu     sync.Mutex
	prices map[string][]float64
	next   map[string]int
}

func newScriptQuoter(prices map[string][]float64) *scriptQuoter {
	return &scriptQuoter{prices: prices, next: make(map[string]int)}
}

func (q *scriptQuoter) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	series := q.prices[symbol]
	i := q.next[symbol]
	if i >= len(series) {
		i = len(series) - 1
	}
	q.next[symbol]++
	return models.Quote{Symbol: symbol, LTP: series[i]}, nil
}

func paperSetup(cfg *config.Config, quoter feed.Quoter, maxBars int) (map[string]feed.Feed, *broker.PaperBroker) {
	cfg.Execution.PollInterval = 5 * time.Millisecond
	cfg.Execution.FillTimeout = 2 * time.Second
	cfg.Execution.InitialBackoff = time.Millisecond
	cfg.Execution.MaxBackoff = 5 * time.Millisecond

	feeds := make(map[string]feed.Feed, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		feeds[sym] = feed.NewPollingFeed(sym, quoter, feed.PollingConfig{Interval: time.Millisecond, MaxBars: maxBars}, zerolog.Nop())
	}
	b := broker.NewPaperBroker(broker.PaperBrokerConfig{
		Symbols:     cfg.Symbols,
		InitialCash: cfg.Paper.InitialCash,
		FillLatency: time.Millisecond,
		Fees:        execution.CostModelFromConfig(cfg.Execution.Costs).Fees,
	}, zerolog.Nop())
	return feeds, b
}

func TestPaperRunTradesScriptedPrices(t *testing.T) {
	cfg := testConfig("TREND")
	closes := closesRiseThenFall()
	feeds, b := paperSetup(cfg, newScriptQuoter(map[string][]float64{"TREND": closes}), len(closes))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	e := newEngine(t, cfg)
	rep, err := e.Paper(ctx, feeds, b, b)
	if err != nil {
		t.Fatalf("Paper: %v", err)
	}

	if !strings.HasPrefix(rep.RunID, "paper-") || rep.Mode != config.ModePaper {
		t.Errorf("run id %q mode %q", rep.RunID, rep.Mode)
	}
	if rep.GeneratedAt == nil {
		t.Error("paper report should carry its generation time")
	}

	fills := fillsOf(rep.TradeLog)
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %+v", rep.TradeLog)
	}
	if fills[0].Side != models.SideBuy || fills[1].Side != models.SideSell || fills[0].Quantity != fills[1].Quantity {
		t.Errorf("fills = %+v", fills)
	}
	// The broker fills at the close the strategy saw.
	if fills[0].Price != closes[14] {
		t.Errorf("buy price = %v, want %v", fills[0].Price, closes[14])
	}
	if len(rep.Positions) != 0 {
		t.Errorf("expected flat book, got %+v", rep.Positions)
	}

	acct, err := b.GetAccount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(acct.Cash-rep.FinalCash) > 1e-6 {
		t.Errorf("broker cash %v, ledger cash %v", acct.Cash, rep.FinalCash)
	}
}

func TestPaperRunStopsOnCancel(t *testing.T) {
	cfg := testConfig("INFY", "TCS")
	feeds, b := paperSetup(cfg, feed.NewRandomWalkQuoter(1, 0.01, nil), 0)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := newEngine(t, cfg).Paper(ctx, feeds, b, b)
		done <- result{ok: rep != nil, err: err}
	}()

	select {
	case res := <-done:
		if !res.ok || res.err != nil {
			t.Errorf("cancelled run: report=%v err=%v", res.ok, res.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("paper run did not stop after cancellation")
	}
}

func TestPaperSkipsSymbolsWithoutFeed(t *testing.T) {
	cfg := testConfig("TREND", "NOFEED")
	closes := closesRiseThenFall()[:5]
	feeds, b := paperSetup(cfg, newScriptQuoter(map[string][]float64{"TREND": closes}), len(closes))
	delete(feeds, "NOFEED")
	defer b.Close()

	rep, err := newEngine(t, cfg).Paper(context.Background(), feeds, b, b)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TradeCount != 0 || rep.FinalEquity != cfg.Paper.InitialCash {
		t.Errorf("unexpected activity: %+v", rep)
	}
}

// lateBroker acknowledges orders, refuses to cancel them, and only reports
// the fill once cancellation has been attempted fillAfter times.
type lateBroker struct {
	mu        sync.Mutex
	req       broker.OrderRequest
	cancels   int
	fillAfter int
	updates   chan models.OrderUpdate
}

func (b *lateBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.req = req
	return "LATE-1", nil
}

func (b *lateBroker) GetOrderStatus(ctx context.Context, orderID string) (models.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := models.OrderUpdate{OrderID: orderID, Symbol: b.req.Symbol, Status: models.OrderSubmitted, Timestamp: day0}
	if b.cancels >= b.fillAfter {
		u.Status = models.OrderFilled
		u.FilledQty = b.req.Quantity
		u.AvgFillPrice = b.req.ReferencePrice
	}
	return u, nil
}

func (b *lateBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return fmt.Errorf("%w: %s is already executing", apperrors.ErrInvalidOrder, orderID)
}

func (b *lateBroker) GetAccount(ctx context.Context) (broker.Account, error) {
	return broker.Account{}, nil
}

func (b *lateBroker) Notifications() <-chan models.OrderUpdate { return b.updates }

func TestPaperBooksFillReportedAfterTimeout(t *testing.T) {
	cfg := testConfig("TREND")
	closes := closesRiseThenFall()[:15] // the buy happens on the last bar
	feeds, pb := paperSetup(cfg, newScriptQuoter(map[string][]float64{"TREND": closes}), len(closes))
	pb.Close()
	cfg.Execution.FillTimeout = 30 * time.Millisecond

	// The symbol task gives up twice; only the wait at the end of the run sees the fill.
	b := &lateBroker{fillAfter: 3, updates: make(chan models.OrderUpdate)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rep, err := newEngine(t, cfg).Paper(ctx, feeds, b, nil)
	if err != nil {
		t.Fatalf("Paper: %v", err)
	}

	fills := fillsOf(rep.TradeLog)
	if len(fills) != 1 || fills[0].Side != models.SideBuy || fills[0].OrderID != "LATE-1" {
		t.Fatalf("expected the late buy to be booked, got %+v", rep.TradeLog)
	}
	if len(rep.Positions) != 1 || rep.Positions[0].Quantity != b.req.Quantity {
		t.Errorf("positions = %+v, want %d shares", rep.Positions, b.req.Quantity)
	}
	want := cfg.Paper.InitialCash - float64(b.req.Quantity)*b.req.ReferencePrice
	if math.Abs(rep.FinalCash-want) > 1e-6 {
		t.Errorf("final cash = %v, want %v", rep.FinalCash, want)
	}
}
