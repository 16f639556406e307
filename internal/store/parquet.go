package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"scalper/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk, one file per
// symbol per trading day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// barRecord is the Parquet schema for minute bars.
type barRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// WriteBars writes minute bars grouped by symbol and UTC date. Each
// symbol+date combination produces a separate file at:
//
//	<DataDir>/minute/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// Existing files are merged: bars dedupe on (symbol, timestamp) with the
// incoming record winning.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]barRecord)
	for _, b := range bars {
		k := key{symbol: b.Symbol, date: b.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], barRecord{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.date)

		existing, _ := readParquetFile[barRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadBars reads minute bars for the given symbol within [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for d := startOfDay(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := s.barPath(symbol, d.Format("2006-01-02"))
		records, err := readParquetFile[barRecord](path)
		if err != nil {
			// No file for this date.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    r.Symbol,
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
			})
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// ListSymbols lists all symbols with stored minute bars.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, "minute")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// barPath returns the filesystem path for a minute-bar Parquet file.
func (s *ParquetStore) barPath(symbol, date string) string {
	return filepath.Join(s.DataDir, "minute", strings.ToUpper(symbol), date+".parquet")
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates records by (symbol, timestamp), preferring
// incoming over existing. Results are sorted by timestamp.
func mergeBarRecords(existing, incoming []barRecord) []barRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]barRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]barRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
