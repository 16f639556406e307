package replay

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"scalper/internal/broker"
	"scalper/internal/domain"
	"scalper/internal/engine"
	"scalper/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sessionStart is 9:31 ET on a Monday.
var sessionStart = time.Date(2024, 6, 3, 13, 31, 0, 0, time.UTC)

func sessionBars(symbol string, volume float64, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: sessionStart.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c, Low: c, Close: c,
			Volume: volume,
		}
	}
	return bars
}

// upcrossCloses is 20 flat closes, a dip, and a recovery through the moving
// average, followed by the given continuation closes.
func upcrossCloses(after ...float64) []float64 {
	closes := make([]float64, 0, 22+len(after))
	for i := 0; i < 20; i++ {
		closes = append(closes, 100)
	}
	closes = append(closes, 99, 101)
	return append(closes, after...)
}

func newReplayFixture(t *testing.T, friction domain.Friction, bars map[string][]domain.Bar) (*Runner, *broker.SimBroker, *engine.RiskEngine) {
	t.Helper()

	sim := broker.NewSimBroker(100000, friction)
	risk := engine.NewRiskEngine(engine.RiskParams{
		MaxPositions:               3,
		MaxDailyLoss:               100.0,
		StopLossPct:                0.003,
		TimeStopMinutes:            10.0,
		MaxSpreadBps:               25.0,
		MaxBarRangePct:             0.01,
		MaxReturnStdPct:            0.01,
		SymbolMaxForcedExits:       2,
		DisableAfterBreakerMinutes: 24 * 60,
		EnableSpreadGuard:          true,
		EnableVolatilityGuard:      true,
	}, sim, testLogger())

	cal, err := util.NewTradingCalendar()
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}

	var lifecycles []*engine.Lifecycle
	for sym := range bars {
		lc, err := engine.NewLifecycle(context.Background(), sim, risk, cal, testLogger(), engine.LifecycleConfig{
			Symbol:     sym,
			Lot:        2000,
			BuyTimeout: 2 * time.Minute,
		})
		if err != nil {
			t.Fatalf("NewLifecycle(%s): %v", sym, err)
		}
		lifecycles = append(lifecycles, lc)
	}
	fleet := engine.NewFleet(sim, risk, testLogger(), lifecycles)

	runner := NewRunner(sim, fleet, testLogger(), bars)
	risk.SetClock(runner.Clock())
	for _, lc := range lifecycles {
		lc.SetClock(runner.Clock())
	}
	return runner, sim, risk
}

func TestRunnerRoundTrip(t *testing.T) {
	friction := domain.Friction{ActivationLatencyBars: 1}
	bars := map[string][]domain.Bar{
		"AAPL": sessionBars("AAPL", 100000, upcrossCloses(101, 101.5, 101.5, 101.5)...),
	}
	runner, _, risk := newReplayFixture(t, friction, bars)

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1 round trip", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Symbol != "AAPL" || tr.Qty != 19 {
		t.Errorf("trade = %+v, want 19 shares of AAPL", tr)
	}
	if tr.EntryPrice != 101.0 {
		t.Errorf("entry = %v, want 101 (the buy limit)", tr.EntryPrice)
	}
	// The market ran through the 101.01 limit: price improvement to the bid.
	if tr.ExitPrice != 101.5 {
		t.Errorf("exit = %v, want 101.5", tr.ExitPrice)
	}
	wantPnL := (101.5 - 101.0) * 19
	if math.Abs(tr.NetPnL-wantPnL) > 1e-9 {
		t.Errorf("pnl = %v, want %v", tr.NetPnL, wantPnL)
	}
	if tr.TimeInTrade() != time.Minute {
		t.Errorf("time in trade = %v, want 1m", tr.TimeInTrade())
	}

	if len(res.EquityCurve) != len(bars["AAPL"]) {
		t.Errorf("equity points = %d, want one per bar (%d)", len(res.EquityCurve), len(bars["AAPL"]))
	}
	if math.Abs(res.FinalEquity-(100000+wantPnL)) > 1e-9 {
		t.Errorf("final equity = %v, want %v", res.FinalEquity, 100000+wantPnL)
	}
	if res.Killed {
		t.Error("run must not trip the kill-switch")
	}
	if got := risk.RealizedPnlSymbol("AAPL"); math.Abs(got-wantPnL) > 1e-9 {
		t.Errorf("risk realized pnl = %v, want %v", got, wantPnL)
	}
}

func TestRunnerActivationLatency(t *testing.T) {
	// With two bars of latency, the buy submitted during bar 22 first
	// becomes fillable at bar 24.
	friction := domain.Friction{ActivationLatencyBars: 2}
	bars := map[string][]domain.Bar{
		"AAPL": sessionBars("AAPL", 100000, upcrossCloses(101, 101, 101.5, 101.5, 101.5)...),
	}
	runner, _, _ := newReplayFixture(t, friction, bars)

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	wantEntry := sessionStart.Add(23 * time.Minute) // bar index 23
	if !res.Trades[0].EntryTime.Equal(wantEntry) {
		t.Errorf("entry time = %v, want %v", res.Trades[0].EntryTime, wantEntry)
	}
}

func TestRunnerPartialFills(t *testing.T) {
	// Volume 1000 at 1% participation caps each bar at 10 shares, so the
	// 19-share entry and exit each take two bars.
	friction := domain.Friction{ActivationLatencyBars: 1, ParticipationRate: 0.01}
	bars := map[string][]domain.Bar{
		"AAPL": sessionBars("AAPL", 1000, upcrossCloses(101, 101, 101.5, 101.5, 101.5)...),
	}
	runner, _, _ := newReplayFixture(t, friction, bars)

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Qty != 19 {
		t.Errorf("qty = %v, want the full 19 across partial fills", tr.Qty)
	}
	if tr.EntryPrice != 101.0 || tr.ExitPrice != 101.5 {
		t.Errorf("entry/exit = %v/%v, want 101/101.5", tr.EntryPrice, tr.ExitPrice)
	}
	wantPnL := (101.5 - 101.0) * 19
	if math.Abs(res.FinalEquity-(100000+wantPnL)) > 1e-9 {
		t.Errorf("final equity = %v, want %v", res.FinalEquity, 100000+wantPnL)
	}
}

func TestRunnerBuyTimeoutCancels(t *testing.T) {
	// The market gaps away from the 101 limit; the two-minute timeout
	// cancels the resting buy and no trade happens.
	friction := domain.Friction{ActivationLatencyBars: 1}
	bars := map[string][]domain.Bar{
		"AAPL": sessionBars("AAPL", 100000, upcrossCloses(102, 102, 102, 102)...),
	}
	runner, sim, risk := newReplayFixture(t, friction, bars)

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want none", len(res.Trades))
	}
	if len(sim.OpenOrders()) != 0 {
		t.Error("canceled buy must leave the open set")
	}
	if got := risk.TotalExposureNotional(nil); got != 0 {
		t.Errorf("reserved notional = %v, want 0 after cancel", got)
	}
	if math.Abs(res.FinalEquity-100000) > 1e-9 {
		t.Errorf("final equity = %v, want unchanged 100000", res.FinalEquity)
	}
}

func TestRunnerFeesReduceEquity(t *testing.T) {
	friction := domain.Friction{
		ActivationLatencyBars: 1,
		CommissionPerShare:    0.01,
	}
	bars := map[string][]domain.Bar{
		"AAPL": sessionBars("AAPL", 100000, upcrossCloses(101, 101.5, 101.5, 101.5)...),
	}
	runner, _, _ := newReplayFixture(t, friction, bars)

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	wantFees := 0.01 * 19 * 2 // both legs
	if math.Abs(tr.Fees-wantFees) > 1e-9 {
		t.Errorf("fees = %v, want %v", tr.Fees, wantFees)
	}
	wantPnL := (101.5-101.0)*19 - wantFees
	if math.Abs(tr.NetPnL-wantPnL) > 1e-9 {
		t.Errorf("pnl = %v, want %v net of fees", tr.NetPnL, wantPnL)
	}
	if math.Abs(res.FinalEquity-(100000+wantPnL)) > 1e-9 {
		t.Errorf("final equity = %v, want %v", res.FinalEquity, 100000+wantPnL)
	}
}
