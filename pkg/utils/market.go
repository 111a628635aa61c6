package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// IsTradingDay reports whether t falls on a weekday in the exchange timezone.
// Exchange holidays are not modelled.
func IsTradingDay(t time.Time) bool {
	wd := t.In(IndiaLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// NextTradingDay returns the start of the next weekday strictly after t.
func NextTradingDay(t time.Time) time.Time {
	local := t.In(IndiaLocation)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, IndiaLocation).AddDate(0, 0, 1)
	for !IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// IsMarketOpen reports whether the NSE cash session (09:15-15:30 IST) is open at t.
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	local := t.In(IndiaLocation)
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 555 && minutes < 930
}

// TruncateToInterval floors t to a multiple of interval since the Unix epoch.
func TruncateToInterval(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(interval)
}
