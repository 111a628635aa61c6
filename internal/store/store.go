// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"rsi-trader/internal/models"
)

// BarStore caches historical bars per data source.
type BarStore interface {
	SaveBars(ctx context.Context, source string, bars []models.Bar) error
	GetBars(ctx context.Context, source, symbol string, from, to time.Time) ([]models.Bar, error)

	// RecordFetch remembers that [from, to] was fully loaded from source.
	RecordFetch(ctx context.Context, source, symbol string, from, to time.Time) error
	// Covered reports whether an earlier fetch spans [from, to].
	Covered(ctx context.Context, source, symbol string, from, to time.Time) (bool, error)
}

// Journal persists run activity for later inspection.
type Journal interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, finalEquity float64, status string) error
	RecordEntry(ctx context.Context, runID string, entry models.TradeLogEntry) error
	RecordSnapshot(ctx context.Context, runID string, snap models.PortfolioSnapshot) error

	Runs(ctx context.Context, limit int) ([]RunRecord, error)
	Entries(ctx context.Context, filter EntryFilter) ([]models.TradeLogEntry, error)
	Snapshots(ctx context.Context, runID string) ([]models.PortfolioSnapshot, error)
}

// RunRecord describes one backtest or paper run.
type RunRecord struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	Strategy    string    `json:"strategy"`
	Symbols     []string  `json:"symbols"`
	InitialCash float64   `json:"initial_cash"`
	FinalEquity float64   `json:"final_equity"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// EntryFilter represents filters for querying journal entries.
type EntryFilter struct {
	RunID  string
	Symbol string
	Kind   models.TradeLogKind
	Limit  int
}
