package portfolio

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

var start = time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)

func filledOrder(id, symbol string, side models.Side, qty int64, price float64) *models.Order {
	return &models.Order{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		Status:       models.OrderFilled,
		FilledQty:    qty,
		AvgFillPrice: price,
		UpdatedAt:    start.Add(time.Minute),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Abs(b))
}

func TestBuyDebitsCash(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())

	res, err := l.ApplyFill(filledOrder("o1", "INFY", models.SideBuy, 100, 50))
	if err != nil {
		t.Fatal(err)
	}
	snap := res.Snapshot
	pos := snap.Position("INFY")
	if snap.Cash != 5000 || pos.Quantity != 100 || pos.AvgEntryPrice != 50 {
		t.Errorf("cash=%v qty=%d avg=%v, want 5000/100/50", snap.Cash, pos.Quantity, pos.AvgEntryPrice)
	}
	if snap.Equity != 10000 {
		t.Errorf("equity = %v, want 10000", snap.Equity)
	}
}

func TestApplyingSameOrderTwiceIsNoop(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())
	order := filledOrder("o1", "INFY", models.SideBuy, 100, 50)

	first, err := l.ApplyFill(order)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.ApplyFill(order)
	if err != nil {
		t.Fatal(err)
	}
	if second.Fill != nil {
		t.Error("second application should not produce a fill")
	}
	if second.Snapshot.Cash != first.Snapshot.Cash || second.Snapshot.Seq != first.Snapshot.Seq {
		t.Errorf("snapshots differ: %+v vs %+v", first.Snapshot, second.Snapshot)
	}
	if len(l.History()) != 2 {
		t.Errorf("history length = %d, want 2", len(l.History()))
	}
}

func TestWeightedAverageAndRealizedPnL(t *testing.T) {
	l := NewLedger(100000, start, false, zerolog.Nop())
	l.ApplyFill(filledOrder("o1", "TCS", models.SideBuy, 10, 100))
	l.ApplyFill(filledOrder("o2", "TCS", models.SideBuy, 30, 120))

	pos := l.Position("TCS")
	if pos.Quantity != 40 || !almostEqual(pos.AvgEntryPrice, 115) {
		t.Fatalf("qty=%d avg=%v, want 40/115", pos.Quantity, pos.AvgEntryPrice)
	}

	res, err := l.ApplyFill(filledOrder("o3", "TCS", models.SideSell, 20, 130))
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(res.RealizedPnL, 300) {
		t.Errorf("realized = %v, want 300", res.RealizedPnL)
	}
	pos = res.Snapshot.Position("TCS")
	if pos.Quantity != 20 || !almostEqual(pos.AvgEntryPrice, 115) {
		t.Errorf("after sell qty=%d avg=%v", pos.Quantity, pos.AvgEntryPrice)
	}

	res, _ = l.ApplyFill(filledOrder("o4", "TCS", models.SideSell, 20, 110))
	pos = res.Snapshot.Position("TCS")
	if pos.Quantity != 0 || pos.AvgEntryPrice != 0 {
		t.Errorf("flat position should reset average, got %+v", pos)
	}
	if !almostEqual(res.Snapshot.RealizedPnL, 200) {
		t.Errorf("total realized = %v, want 200", res.Snapshot.RealizedPnL)
	}
	if res.Snapshot.OpenPositions() != 0 {
		t.Error("no positions should be open")
	}
}

func TestOversellIsConsistencyError(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())
	l.ApplyFill(filledOrder("o1", "INFY", models.SideBuy, 10, 50))

	before := l.Snapshot()
	_, err := l.ApplyFill(filledOrder("o2", "INFY", models.SideSell, 11, 50))
	if !apperrors.IsPortfolioConsistency(err) {
		t.Fatalf("expected PortfolioConsistencyError, got %v", err)
	}
	after := l.Snapshot()
	if after.Seq != before.Seq || after.Cash != before.Cash {
		t.Error("failed fill must not change the books")
	}
}

func TestShortAllowedReopensAtFillPrice(t *testing.T) {
	l := NewLedger(10000, start, true, zerolog.Nop())
	l.ApplyFill(filledOrder("o1", "INFY", models.SideBuy, 10, 50))

	res, err := l.ApplyFill(filledOrder("o2", "INFY", models.SideSell, 15, 60))
	if err != nil {
		t.Fatal(err)
	}
	pos := res.Snapshot.Position("INFY")
	if pos.Quantity != -5 || pos.AvgEntryPrice != 60 {
		t.Errorf("got %+v, want -5 @ 60", pos)
	}
	if !almostEqual(res.RealizedPnL, 100) {
		t.Errorf("realized = %v, want 100", res.RealizedPnL)
	}
}

func TestPartialFillsAppliedIncrementally(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())
	order := &models.Order{ID: "o1", Symbol: "INFY", Side: models.SideBuy, Quantity: 100, UpdatedAt: start}

	order.Status, order.FilledQty, order.AvgFillPrice = models.OrderPartiallyFilled, 40, 50
	res, err := l.ApplyFill(order)
	if err != nil || res.Fill == nil || res.Fill.Quantity != 40 {
		t.Fatalf("first partial: %+v %v", res.Fill, err)
	}

	order.Status, order.FilledQty, order.AvgFillPrice = models.OrderFilled, 100, 51.2
	res, err = l.ApplyFill(order)
	if err != nil || res.Fill == nil {
		t.Fatalf("completion: %v", err)
	}
	if res.Fill.Quantity != 60 || !almostEqual(res.Fill.Price, 52) {
		t.Errorf("incremental fill = %d @ %v, want 60 @ 52", res.Fill.Quantity, res.Fill.Price)
	}
	if !almostEqual(res.Snapshot.Cash, 10000-5120) {
		t.Errorf("cash = %v, want 4880", res.Snapshot.Cash)
	}
}

func TestUnconfirmedAndRejectedOrders(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())

	if _, err := l.ApplyFill(&models.Order{ID: "p", Status: models.OrderSubmitted}); err == nil {
		t.Error("submitted order should not be applied")
	}
	res, err := l.ApplyFill(&models.Order{ID: "r", Status: models.OrderRejected, Symbol: "X", Side: models.SideBuy, Quantity: 1})
	if err != nil || res.Fill != nil {
		t.Errorf("rejected order: fill=%v err=%v", res.Fill, err)
	}
}

func TestMarkRevaluesPositions(t *testing.T) {
	l := NewLedger(10000, start, false, zerolog.Nop())
	l.ApplyFill(filledOrder("o1", "INFY", models.SideBuy, 100, 50))

	snap := l.Mark("INFY", 55, start.Add(time.Hour))
	if snap.Equity != 10500 {
		t.Errorf("equity = %v, want 10500", snap.Equity)
	}
	if snap.Position("INFY").UnrealizedPnL() != 500 {
		t.Errorf("unrealized = %v, want 500", snap.Position("INFY").UnrealizedPnL())
	}
	hist := l.History()
	for i := 1; i < len(hist); i++ {
		if hist[i].Seq <= hist[i-1].Seq {
			t.Fatal("history sequence must increase")
		}
	}
}

func TestProperty_PortfolioInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("equity equals cash plus marked positions after every fill", prop.ForAll(
		func(qtys []int64, prices []float64) bool {
			l := NewLedger(1e9, start, false, zerolog.Nop())
			n := len(qtys)
			if len(prices) < n {
				n = len(prices)
			}
			for i := 0; i < n; i++ {
				side := models.SideBuy
				qty := qtys[i]
				held := l.Position("X").Quantity
				if i%2 == 1 && held > 0 {
					side = models.SideSell
					qty = 1 + qty%held
				}
				res, err := l.ApplyFill(filledOrder(string(rune('a'+i)), "X", side, qty, prices[i]))
				if err != nil {
					return false
				}
				s := res.Snapshot
				expected := s.Cash
				for _, p := range s.Positions {
					expected += float64(p.Quantity) * p.LastPrice
				}
				if !almostEqual(s.Equity, expected) || s.Position("X").Quantity < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Int64Range(1, 500)),
		gen.SliceOfN(20, gen.Float64Range(1, 1000)),
	))

	properties.Property("applying a fill twice equals applying it once", prop.ForAll(
		func(qty int64, price float64) bool {
			once := NewLedger(1e7, start, false, zerolog.Nop())
			twice := NewLedger(1e7, start, false, zerolog.Nop())
			order := filledOrder("o", "X", models.SideBuy, qty, price)

			a, _ := once.ApplyFill(order)
			twice.ApplyFill(order)
			b, _ := twice.ApplyFill(order)
			return a.Snapshot.Cash == b.Snapshot.Cash &&
				a.Snapshot.Position("X") == b.Snapshot.Position("X") &&
				len(once.History()) == len(twice.History())
		},
		gen.Int64Range(1, 1000),
		gen.Float64Range(1, 1000),
	))

	properties.Property("pure Apply never mutates its input", prop.ForAll(
		func(qty int64, price float64) bool {
			prev := Initial(1e6, start)
			fill := models.Fill{ID: "f", Symbol: "X", Side: models.SideBuy, Quantity: qty, Price: price}
			next, err := Apply(prev, fill, false)
			if err != nil {
				return false
			}
			return prev.Cash == 1e6 && len(prev.Positions) == 0 && next.Seq == prev.Seq+1
		},
		gen.Int64Range(1, 1000),
		gen.Float64Range(1, 1000),
	))

	properties.TestingRun(t)
}
