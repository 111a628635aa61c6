package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// csvBar is one row of a <SYMBOL>.csv file.
type csvBar struct {
	Date   string  `csv:"date"`
	Open   float64 `csv:"open"`
	High   float64 `csv:"high"`
	Low    float64 `csv:"low"`
	Close  float64 `csv:"close"`
	Volume int64   `csv:"volume"`
}

var csvTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseCSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// CSVSource reads bars from a directory holding one <SYMBOL>.csv per symbol
// with a date,open,high,low,close,volume header.
type CSVSource struct {
	dir string
}

// NewCSVSource creates a CSV source rooted at dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir}
}

// Name implements Source.
func (s *CSVSource) Name() string { return "csv" }

// Path returns the file holding symbol's bars.
func (s *CSVSource) Path(symbol string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol)+".csv")
}

// Bars implements Source. Rows with unparseable timestamps are skipped.
func (s *CSVSource) Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	f, err := os.Open(s.Path(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDataNotFound, s.Path(symbol))
		}
		return nil, err
	}
	defer f.Close()

	var rows []*csvBar
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.Path(symbol), err)
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, r := range rows {
		ts, err := parseCSVTime(r.Date)
		if err != nil {
			continue
		}
		if !inRange(ts, from, to) {
			continue
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

// Write stores bars as symbol's CSV file, replacing any existing one.
func (s *CSVSource) Write(symbol string, bars []models.Bar) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", err
	}
	rows := make([]*csvBar, len(bars))
	for i, b := range bars {
		rows[i] = &csvBar{
			Date:   b.Timestamp.UTC().Format(time.RFC3339),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}

	path := s.Path(symbol)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
