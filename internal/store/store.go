// Package store persists market data and backtest results: minute bars in
// Parquet files on disk, round-trip trade logs and equity curves in SQLite.
package store

import (
	"context"
	"time"

	"scalper/internal/domain"
)

// BarStore persists and retrieves OHLCV minute-bar data.
type BarStore interface {
	// WriteBars persists a batch of minute bars.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// TradeLogStore persists backtest and live-session results: completed round
// trips and the equity curve, keyed by a run identifier.
type TradeLogStore interface {
	// SaveTrades appends completed round trips to a run.
	SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) error

	// ListTrades returns a run's round trips ordered by exit time.
	ListTrades(ctx context.Context, runID string) ([]domain.TradeRecord, error)

	// SaveEquityCurve appends equity samples to a run.
	SaveEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error

	// ListEquityCurve returns a run's equity samples ordered by timestamp.
	ListEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error)

	// ListRuns returns the known run identifiers, most recent first.
	ListRuns(ctx context.Context) ([]string, error)
}
