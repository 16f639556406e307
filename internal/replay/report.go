package replay

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Report writers keep outputs deterministic and human-reviewable: CSV for
// the time series, indented JSON for the summary.

// WriteTradesCSV writes the round-trip trades of a result to path.
func WriteTradesCSV(path string, res *Result) error {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"symbol", "entry_time", "exit_time", "qty", "entry_price", "exit_price", "fees", "net_pnl"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range res.Trades {
		row := []string{
			t.Symbol,
			t.EntryTime.UTC().Format(time.RFC3339),
			t.ExitTime.UTC().Format(time.RFC3339),
			formatFloat(t.Qty),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Fees),
			formatFloat(t.NetPnL),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteEquityCSV writes the equity curve of a result to path.
func WriteEquityCSV(path string, res *Result) error {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "equity", "cash"}); err != nil {
		return err
	}
	for _, p := range res.EquityCurve {
		row := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			formatFloat(p.Equity),
			formatFloat(p.Cash),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSummaryJSON writes the metric summary, along with the run
// configuration the caller wants recorded, to path.
func WriteSummaryJSON(path string, summary Summary, runConfig any) error {
	f, err := createFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := struct {
		Summary Summary `json:"summary"`
		Config  any     `json:"config,omitempty"`
	}{Summary: summary, Config: runConfig}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return nil
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
