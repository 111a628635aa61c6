package utils

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00"},
		{999.5, "999.50"},
		{1000, "1,000.00"},
		{1234567.891, "1,234,567.89"},
		{-25000, "-25,000.00"},
	}
	for _, tt := range tests {
		if got := FormatMoney(tt.in); got != tt.want {
			t.Errorf("FormatMoney(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatPnL(12.5); got != "+12.50" {
		t.Errorf("FormatPnL = %q", got)
	}
	if got := FormatPercent(-1.234); got != "-1.23%" {
		t.Errorf("FormatPercent = %q", got)
	}
	if got := FormatQuantity(-1500); got != "-1,500" {
		t.Errorf("FormatQuantity = %q", got)
	}
}

// Grouping must never change the value and must use groups of three.
func TestProperty_FormatMoneyPreservesValue(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("commas sit every three digits and the value survives", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatMoney(amount)
			digits := strings.TrimPrefix(formatted, "-")
			intPart := strings.Split(digits, ".")[0]
			groups := strings.Split(intPart, ",")
			for i, g := range groups {
				if len(g) == 0 || len(g) > 3 || (i > 0 && len(g) != 3) {
					return false
				}
			}
			parsed, err := strconv.ParseFloat(strings.ReplaceAll(formatted, ",", ""), 64)
			return err == nil && math.Abs(parsed-amount) <= 0.005+1e-9*math.Abs(amount)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}

func TestTradingCalendar(t *testing.T) {
	sat := time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC) // 11:30 IST Saturday
	mon := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC) // 11:30 IST Monday
	if IsTradingDay(sat) || !IsTradingDay(mon) {
		t.Error("weekday detection wrong")
	}
	if IsMarketOpen(sat) || !IsMarketOpen(mon) {
		t.Error("session detection wrong")
	}
	if IsMarketOpen(time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)) { // 16:00 IST
		t.Error("market should be closed after 15:30 IST")
	}
	next := NextTradingDay(sat)
	if next.Weekday() != time.Monday {
		t.Errorf("next trading day after Saturday = %v", next.Weekday())
	}
}

func TestTruncateToInterval(t *testing.T) {
	ts := time.Date(2024, 3, 4, 9, 17, 42, 0, time.UTC)
	if got := TruncateToInterval(ts, time.Minute); !got.Equal(time.Date(2024, 3, 4, 9, 17, 0, 0, time.UTC)) {
		t.Errorf("minute truncation = %v", got)
	}
	if got := TruncateToInterval(ts, 0); !got.Equal(ts) {
		t.Errorf("zero interval changed the time: %v", got)
	}
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	attempts, err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Errorf("attempts=%d err=%v", attempts, err)
	}

	permanent := errors.New("permanent")
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	attempts, err = Retry(context.Background(), cfg, func(ctx context.Context) error { return permanent })
	if !errors.Is(err, permanent) || attempts != 1 {
		t.Errorf("non-retryable error retried: attempts=%d err=%v", attempts, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.Retryable = nil
	cfg.InitialDelay = time.Second
	if _, err := Retry(ctx, cfg, func(ctx context.Context) error { return errors.New("down") }); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled retry returned %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	if got := CalculateBackoff(0, 100*time.Millisecond, time.Second, 2); got != 100*time.Millisecond {
		t.Errorf("attempt 0 = %v", got)
	}
	if got := CalculateBackoff(3, 100*time.Millisecond, time.Second, 2); got != 800*time.Millisecond {
		t.Errorf("attempt 3 = %v", got)
	}
	if got := CalculateBackoff(10, 100*time.Millisecond, time.Second, 2); got != time.Second {
		t.Errorf("capped = %v", got)
	}
}
