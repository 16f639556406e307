package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"scalper/internal/domain"
)

// Compile-time interface check.
var _ TradeLogStore = (*SQLiteStore)(nil)

// SQLiteStore implements TradeLogStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	run_id      TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	entry_time  INTEGER NOT NULL, -- Unix ms
	exit_time   INTEGER NOT NULL, -- Unix ms
	qty         REAL    NOT NULL,
	entry_price REAL    NOT NULL,
	exit_price  REAL    NOT NULL,
	fees        REAL    NOT NULL,
	net_pnl     REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, exit_time);

CREATE TABLE IF NOT EXISTS equity_curve (
	run_id    TEXT    NOT NULL,
	timestamp INTEGER NOT NULL, -- Unix ms
	equity    REAL    NOT NULL,
	cash      REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_run ON equity_curve(run_id, timestamp);

CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL -- Unix ms
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// registerRun upserts the run identifier so ListRuns can enumerate it.
func (s *SQLiteStore) registerRun(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, created_at) VALUES (?, ?)`,
		runID, time.Now().UnixMilli())
	return err
}

// SaveTrades appends completed round trips to a run.
func (s *SQLiteStore) SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.registerRun(ctx, tx, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (run_id, symbol, entry_time, exit_time, qty, entry_price, exit_price, fees, net_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx, runID, t.Symbol,
			t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
			t.Qty, t.EntryPrice, t.ExitPrice, t.Fees, t.NetPnL); err != nil {
			return fmt.Errorf("inserting trade %s: %w", t.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListTrades returns a run's round trips ordered by exit time.
func (s *SQLiteStore) ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, entry_time, exit_time, qty, entry_price, exit_price, fees, net_pnl
		FROM trades WHERE run_id = ? ORDER BY exit_time`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var entryMs, exitMs int64
		if err := rows.Scan(&t.Symbol, &entryMs, &exitMs,
			&t.Qty, &t.EntryPrice, &t.ExitPrice, &t.Fees, &t.NetPnL); err != nil {
			return nil, err
		}
		t.EntryTime = time.UnixMilli(entryMs).UTC()
		t.ExitTime = time.UnixMilli(exitMs).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SaveEquityCurve appends equity samples to a run.
func (s *SQLiteStore) SaveEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.registerRun(ctx, tx, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO equity_curve (run_id, timestamp, equity, cash) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.Timestamp.UnixMilli(), p.Equity, p.Cash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListEquityCurve returns a run's equity samples ordered by timestamp.
func (s *SQLiteStore) ListEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, equity, cash
		FROM equity_curve WHERE run_id = ? ORDER BY timestamp`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.EquityPoint
	for rows.Next() {
		var p domain.EquityPoint
		var ms int64
		if err := rows.Scan(&ms, &p.Equity, &p.Cash); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ms).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListRuns returns the known run identifiers, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
