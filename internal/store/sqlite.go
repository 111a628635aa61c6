package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// SQLiteStore implements BarStore and Journal using SQLite.
// Timestamps are stored as Unix nanoseconds so range queries compare exactly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", apperrors.ErrDatabaseError, err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", apperrors.ErrDatabaseError, err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Bar cache, one row per source/symbol/timestamp
	CREATE TABLE IF NOT EXISTS bars (
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		ts INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (source, symbol, ts)
	);

	-- Ranges already loaded in full from a source
	CREATE TABLE IF NOT EXISTS bar_fetches (
		source TEXT NOT NULL,
		symbol TEXT NOT NULL,
		from_ts INTEGER NOT NULL,
		to_ts INTEGER NOT NULL,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		strategy TEXT NOT NULL,
		symbols TEXT NOT NULL,
		initial_cash REAL NOT NULL,
		final_equity REAL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	-- Trade log: fills, rejections, cancellations, errors
	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT,
		order_id TEXT,
		quantity INTEGER,
		price REAL,
		fees REAL,
		realized_pnl REAL,
		reason TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		event TEXT NOT NULL,
		cash REAL NOT NULL,
		equity REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		positions TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_fetches_symbol ON bar_fetches(source, symbol);
	CREATE INDEX IF NOT EXISTS idx_journal_run ON journal(run_id, symbol);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Bar cache
// ============================================================================

// SaveBars upserts bars for source.
func (s *SQLiteStore) SaveBars(ctx context.Context, source string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (source, symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, source, b.Symbol, b.Timestamp.UnixNano(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetBars returns cached bars in [from, to], oldest first.
func (s *SQLiteStore) GetBars(ctx context.Context, source, symbol string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE source = ? AND symbol = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, source, symbol, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var ts int64
		b := models.Bar{Symbol: symbol}
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = time.Unix(0, ts).UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// RecordFetch implements BarStore.
func (s *SQLiteStore) RecordFetch(ctx context.Context, source, symbol string, from, to time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bar_fetches (source, symbol, from_ts, to_ts) VALUES (?, ?, ?, ?)
	`, source, symbol, from.UnixNano(), to.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record fetch: %w", err)
	}
	return nil
}

// Covered implements BarStore.
func (s *SQLiteStore) Covered(ctx context.Context, source, symbol string, from, to time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bar_fetches
		WHERE source = ? AND symbol = ? AND from_ts <= ? AND to_ts >= ?
	`, source, symbol, from.UnixNano(), to.UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query fetches: %w", err)
	}
	return n > 0, nil
}

// ============================================================================
// Journal
// ============================================================================

// StartRun records a new run. Backtest ids repeat for identical inputs, so
// a rerun replaces the earlier run together with its entries and snapshots.
func (s *SQLiteStore) StartRun(ctx context.Context, run RunRecord) error {
	status := run.Status
	if status == "" {
		status = RunRunning
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM journal WHERE run_id = ?`, `DELETE FROM snapshots WHERE run_id = ?`} {
		if _, err := tx.ExecContext(ctx, q, run.ID); err != nil {
			return fmt.Errorf("failed to clear previous run: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, mode, strategy, symbols, initial_cash, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Mode, run.Strategy, strings.Join(run.Symbols, ","), run.InitialCash, status, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return tx.Commit()
}

// FinishRun stamps a run's outcome.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, finalEquity float64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, final_equity = ?, status = ? WHERE id = ?
	`, finishedAt.UnixNano(), finalEquity, status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", apperrors.ErrDataNotFound, runID)
	}
	return nil
}

// RecordEntry appends a trade log entry.
func (s *SQLiteStore) RecordEntry(ctx context.Context, runID string, e models.TradeLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (run_id, ts, symbol, kind, side, order_id, quantity, price, fees, realized_pnl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, e.Timestamp.UnixNano(), e.Symbol, string(e.Kind), string(e.Side), e.OrderID,
		e.Quantity, e.Price, e.Fees, e.RealizedPnL, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// RecordSnapshot stores a portfolio snapshot.
func (s *SQLiteStore) RecordSnapshot(ctx context.Context, runID string, snap models.PortfolioSnapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (run_id, seq, ts, event, cash, equity, realized_pnl, positions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, snap.Seq, snap.Timestamp.UnixNano(), string(snap.Event), snap.Cash, snap.Equity, snap.RealizedPnL, string(positions))
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *SQLiteStore) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, strategy, symbols, initial_cash, final_equity, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var symbols string
		var equity sql.NullFloat64
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Mode, &r.Strategy, &symbols, &r.InitialCash, &equity, &r.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if symbols != "" {
			r.Symbols = strings.Split(symbols, ",")
		}
		r.FinalEquity = equity.Float64
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Entries returns journal entries matching filter, in insertion order.
func (s *SQLiteStore) Entries(ctx context.Context, filter EntryFilter) ([]models.TradeLogEntry, error) {
	query := `SELECT ts, symbol, kind, side, order_id, quantity, price, fees, realized_pnl, reason FROM journal WHERE 1=1`
	var args []interface{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []models.TradeLogEntry
	for rows.Next() {
		var e models.TradeLogEntry
		var ts int64
		var kind, side string
		if err := rows.Scan(&ts, &e.Symbol, &kind, &side, &e.OrderID, &e.Quantity, &e.Price, &e.Fees, &e.RealizedPnL, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Kind = models.TradeLogKind(kind)
		e.Side = models.Side(side)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Snapshots returns a run's snapshots in sequence order.
func (s *SQLiteStore) Snapshots(ctx context.Context, runID string) ([]models.PortfolioSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, event, cash, equity, realized_pnl, positions
		FROM snapshots WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.PortfolioSnapshot
	for rows.Next() {
		var snap models.PortfolioSnapshot
		var ts int64
		var event, positions string
		if err := rows.Scan(&snap.Seq, &ts, &event, &snap.Cash, &snap.Equity, &snap.RealizedPnL, &positions); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Timestamp = time.Unix(0, ts).UTC()
		snap.Event = models.SnapshotEvent(event)
		if err := json.Unmarshal([]byte(positions), &snap.Positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
