package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"scalper/internal/domain"
)

func minuteBars(symbol string, start time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c + 0.1, Low: c - 0.1, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func TestParquetStoreRoundTrip(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

	if err := s.WriteBars(ctx, minuteBars("AAPL", start, 100, 101, 102)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := s.ReadBars(ctx, "AAPL", start, start.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars, want 3", len(got))
	}
	if got[0].Close != 100 || got[2].Close != 102 {
		t.Errorf("closes = %v %v, want 100 102", got[0].Close, got[2].Close)
	}
	if !got[1].Timestamp.Equal(start.Add(time.Minute)) {
		t.Errorf("timestamp = %v, want %v", got[1].Timestamp, start.Add(time.Minute))
	}
}

func TestParquetStoreMergeDedupes(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

	if err := s.WriteBars(ctx, minuteBars("AAPL", start, 100, 101)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	// Rewrite the second bar and append a third: the rewrite wins.
	if err := s.WriteBars(ctx, minuteBars("AAPL", start.Add(time.Minute), 150, 102)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := s.ReadBars(ctx, "AAPL", start, start.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars, want 3 after merge", len(got))
	}
	if got[1].Close != 150 {
		t.Errorf("merged close = %v, want incoming 150", got[1].Close)
	}
}

func TestParquetStoreRangeFilter(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

	if err := s.WriteBars(ctx, minuteBars("AAPL", start, 100, 101, 102, 103, 104)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := s.ReadBars(ctx, "AAPL", start.Add(time.Minute), start.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d bars, want 3 inside the range", len(got))
	}
	if got[0].Close != 101 || got[2].Close != 103 {
		t.Errorf("range closes = %v..%v, want 101..103", got[0].Close, got[2].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 6, 3, 13, 30, 0, 0, time.UTC)

	if err := s.WriteBars(ctx, append(
		minuteBars("MSFT", start, 400),
		minuteBars("AAPL", start, 100)...)); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	syms, err := s.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(syms) != 2 || syms[0] != "AAPL" || syms[1] != "MSFT" {
		t.Errorf("symbols = %v, want [AAPL MSFT]", syms)
	}

	// Missing directory is empty, not an error.
	empty := NewParquetStore(filepath.Join(t.TempDir(), "nope"))
	if syms, err := empty.ListSymbols(ctx); err != nil || len(syms) != 0 {
		t.Errorf("empty store symbols = %v, %v", syms, err)
	}
}

func TestSQLiteStoreTrades(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	entry := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	trades := []domain.TradeRecord{
		{
			Symbol: "AAPL", EntryTime: entry, ExitTime: entry.Add(5 * time.Minute),
			Qty: 19, EntryPrice: 101.0, ExitPrice: 101.01, Fees: 0.20, NetPnL: -0.01,
		},
		{
			Symbol: "MSFT", EntryTime: entry, ExitTime: entry.Add(2 * time.Minute),
			Qty: 5, EntryPrice: 400.0, ExitPrice: 401.0, Fees: 0.10, NetPnL: 4.90,
		},
	}
	if err := s.SaveTrades(ctx, "run-1", trades); err != nil {
		t.Fatalf("SaveTrades: %v", err)
	}

	got, err := s.ListTrades(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d trades, want 2", len(got))
	}
	// Ordered by exit time: MSFT exits first.
	if got[0].Symbol != "MSFT" || got[1].Symbol != "AAPL" {
		t.Errorf("order = %s,%s, want MSFT,AAPL", got[0].Symbol, got[1].Symbol)
	}
	if got[1].NetPnL != -0.01 || !got[1].EntryTime.Equal(entry) {
		t.Errorf("trade = %+v", got[1])
	}

	// Unknown run is empty.
	if none, err := s.ListTrades(ctx, "run-x"); err != nil || len(none) != 0 {
		t.Errorf("unknown run = %v, %v", none, err)
	}
}

func TestSQLiteStoreEquityCurveAndRuns(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	ts := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	points := []domain.EquityPoint{
		{Timestamp: ts, Equity: 100000, Cash: 100000},
		{Timestamp: ts.Add(time.Minute), Equity: 100012.5, Cash: 98000},
	}
	if err := s.SaveEquityCurve(ctx, "run-1", points); err != nil {
		t.Fatalf("SaveEquityCurve: %v", err)
	}

	got, err := s.ListEquityCurve(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEquityCurve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d points, want 2", len(got))
	}
	if got[1].Equity != 100012.5 || got[1].Cash != 98000 {
		t.Errorf("point = %+v", got[1])
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0] != "run-1" {
		t.Errorf("runs = %v, want [run-1]", runs)
	}
}
