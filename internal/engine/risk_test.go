package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"scalper/internal/broker"
	"scalper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() RiskParams {
	return RiskParams{
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
	}
}

func flatBars(n int, close float64) []domain.Bar {
	ts := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		bars[i] = domain.Bar{
			Symbol:    "AAPL",
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
			Open:      close, High: close, Low: close, Close: close,
			Volume: 10000,
		}
	}
	return bars
}

func TestDecideBuyQtyApproves(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	d := r.DecideBuyQty(context.Background(), "AAPL", 2000, 100.0, flatBars(25, 100))
	if !d.OK {
		t.Fatalf("decision rejected: %s", d.Reason)
	}
	if d.Qty != 20 {
		t.Errorf("qty = %d, want 20", d.Qty)
	}
}

func TestDecideBuyQtyMaxPositions(t *testing.T) {
	params := testParams()
	params.MaxPositions = 1
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(params, sim, testLogger())

	r.NotePositionEntry("AAPL", 10, 100.0)

	d := r.DecideBuyQty(context.Background(), "MSFT", 2000, 400.0, flatBars(25, 400))
	if d.OK {
		t.Fatal("decision should be rejected at the position cap")
	}
	if d.Reason != "max_positions reached: 1" {
		t.Errorf("reason = %q, want %q", d.Reason, "max_positions reached: 1")
	}
}

func TestDecideBuyQtyExposureCap(t *testing.T) {
	params := testParams()
	params.MaxTotalExposure = 3000
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(params, sim, testLogger())

	// A working buy reserves notional that counts against the cap.
	r.NotePendingBuy("MSFT", 2000)

	d := r.DecideBuyQty(context.Background(), "AAPL", 2000, 100.0, flatBars(25, 100))
	if d.OK {
		t.Fatal("decision should be rejected over the exposure cap")
	}
	if !strings.HasPrefix(d.Reason, "max_total_exposure exceeded") {
		t.Errorf("reason = %q, want max_total_exposure prefix", d.Reason)
	}

	// Releasing the reservation admits the entry again.
	r.ClearPendingBuy("MSFT")
	if d := r.DecideBuyQty(context.Background(), "AAPL", 2000, 100.0, flatBars(25, 100)); !d.OK {
		t.Errorf("decision after release rejected: %s", d.Reason)
	}
}

func TestDecideBuyQtyKilled(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())
	r.InitStartEquity(context.Background())
	r.CheckKillSwitch(99000)

	d := r.DecideBuyQty(context.Background(), "AAPL", 2000, 100.0, flatBars(25, 100))
	if d.OK || d.Reason != "kill-switch active" {
		t.Errorf("decision = %+v, want kill-switch rejection", d)
	}
}

func TestDecideBuyQtyDisabledSymbol(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())
	r.DisableSymbol("AAPL", "test", 0)

	d := r.DecideBuyQty(context.Background(), "AAPL", 2000, 100.0, flatBars(25, 100))
	if d.OK || d.Reason != "symbol disabled" {
		t.Errorf("decision = %+v, want symbol-disabled rejection", d)
	}
}

func TestKillSwitchLatches(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())
	r.InitStartEquity(context.Background())

	if r.CheckKillSwitch(99950) {
		t.Fatal("drawdown of 50 must not trigger a 100 limit")
	}
	if !r.CheckKillSwitch(99900) {
		t.Fatal("drawdown of 100 must trigger")
	}
	// Latched: recovery does not reset it.
	if !r.CheckKillSwitch(100500) {
		t.Error("kill-switch must stay latched after equity recovers")
	}
	if !r.IsKilled() {
		t.Error("IsKilled should report the latch")
	}
	if !strings.Contains(r.KillReason(), "daily loss kill-switch") {
		t.Errorf("reason = %q", r.KillReason())
	}
}

func TestKillSwitchInertWithoutStartEquity(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	// InitStartEquity never ran: no baseline, no trigger.
	if r.CheckKillSwitch(0) {
		t.Error("kill-switch must be inert without a starting equity baseline")
	}
}

func TestSymbolDisableCooldownExpires(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	now := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	r.DisableSymbol("AAPL", "cooldown", 5*time.Minute)
	if r.IsSymbolEnabled("AAPL") {
		t.Fatal("symbol should be disabled during the cooldown")
	}

	now = now.Add(6 * time.Minute)
	if !r.IsSymbolEnabled("AAPL") {
		t.Error("symbol should self-heal after the cooldown expires")
	}
}

func TestForcedExitCircuitBreaker(t *testing.T) {
	params := testParams()
	params.SymbolMaxForcedExits = 2
	params.ForcedExitCooldownMinutes = 0
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(params, sim, testLogger())

	r.MaybeDisableAfterForcedExit("AAPL", "stop-loss")
	if !r.IsSymbolEnabled("AAPL") {
		t.Fatal("one forced exit below the limit must not trip the breaker")
	}
	r.MaybeDisableAfterForcedExit("AAPL", "stop-loss")
	if r.IsSymbolEnabled("AAPL") {
		t.Error("second forced exit must trip the breaker")
	}
}

func TestShouldForceExitStopLoss(t *testing.T) {
	params := testParams()
	params.TimeStopMinutes = 0 // isolate the stop-loss
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(params, sim, testLogger())

	r.NotePositionEntry("AAPL", 20, 100.0)

	// Above the stop (100 * 0.997): hold.
	sim.UpdateMarketFromBar(domain.Bar{Symbol: "AAPL", Close: 99.71, High: 99.8, Low: 99.7, Open: 99.75, Volume: 1000})
	if force, _ := r.ShouldForceExit(context.Background(), "AAPL"); force {
		t.Error("price above the stop must not force an exit")
	}

	// Through the stop: exit.
	sim.UpdateMarketFromBar(domain.Bar{Symbol: "AAPL", Close: 99.69, High: 99.8, Low: 99.6, Open: 99.75, Volume: 1000})
	force, reason := r.ShouldForceExit(context.Background(), "AAPL")
	if !force {
		t.Fatal("price through the stop must force an exit")
	}
	if !strings.HasPrefix(reason, "stop-loss") {
		t.Errorf("reason = %q, want stop-loss prefix", reason)
	}
}

func TestShouldForceExitTimeStop(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	now := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	r.NotePositionEntry("AAPL", 20, 100.0)

	// No market data at all: the time-stop still fires.
	now = now.Add(11 * time.Minute)
	force, reason := r.ShouldForceExit(context.Background(), "AAPL")
	if !force {
		t.Fatal("position past the time-stop must force an exit")
	}
	if !strings.HasPrefix(reason, "time-stop") {
		t.Errorf("reason = %q, want time-stop prefix", reason)
	}
}

func TestShouldForceExitNoRecord(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	if force, _ := r.ShouldForceExit(context.Background(), "AAPL"); force {
		t.Error("no holding record must never force an exit")
	}
}

func TestSpreadGuard(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	// 30 bps on a 100 mid exceeds the 25 bps limit.
	wide := &domain.Quote{BidPrice: 99.85, AskPrice: 100.15}
	if ok, reason := r.spreadOK(wide); ok {
		t.Error("30 bps spread must be rejected")
	} else if !strings.HasPrefix(reason, "spread too wide") {
		t.Errorf("reason = %q", reason)
	}

	tight := &domain.Quote{BidPrice: 99.99, AskPrice: 100.01}
	if ok, _ := r.spreadOK(tight); !ok {
		t.Error("2 bps spread must pass")
	}

	// Missing quote fails open.
	if ok, _ := r.spreadOK(nil); !ok {
		t.Error("missing quote must not block")
	}
}

func TestVolatilityGuard(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	if ok, _ := r.volatilityOK(flatBars(25, 100)); !ok {
		t.Error("flat bars must pass")
	}

	// Last bar with a 2% high-low range trips the range check.
	bars := flatBars(25, 100)
	bars[len(bars)-1].High = 101.0
	bars[len(bars)-1].Low = 99.0
	if ok, reason := r.volatilityOK(bars); ok {
		t.Error("2 percent bar range must be rejected")
	} else if !strings.HasPrefix(reason, "bar range too large") {
		t.Errorf("reason = %q", reason)
	}

	// Alternating +-2% closes trip the return-std check.
	choppy := flatBars(25, 100)
	for i := range choppy {
		if i%2 == 0 {
			choppy[i].Close = 102
		} else {
			choppy[i].Close = 98
		}
		choppy[i].High = choppy[i].Close
		choppy[i].Low = choppy[i].Close
	}
	if ok, reason := r.volatilityOK(choppy); ok {
		t.Error("choppy closes must be rejected")
	} else if !strings.HasPrefix(reason, "return std too high") {
		t.Errorf("reason = %q", reason)
	}

	// Too little history fails open.
	if ok, _ := r.volatilityOK(flatBars(10, 100)); !ok {
		t.Error("short history must not block")
	}
}

func TestSyncFromPositions(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	r.NotePositionEntry("AAPL", 10, 100.0)
	r.NotePositionEntry("MSFT", 5, 400.0)

	// AAPL average drifts with a partial fill; MSFT is gone.
	r.SyncFromPositions([]domain.Position{
		{Symbol: "AAPL", Qty: 12, AvgEntryPrice: 100.5},
	})

	if n := r.CountOpenPositions(); n != 1 {
		t.Fatalf("open positions = %d, want 1", n)
	}
	if px, ok := r.EntryPrice("AAPL"); !ok || px != 100.5 {
		t.Errorf("entry price = %v/%v, want 100.5", px, ok)
	}
	if _, ok := r.EntryPrice("MSFT"); ok {
		t.Error("vanished position must leave the ledger")
	}
}

func TestRealizedPnlAccumulates(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	r := NewRiskEngine(testParams(), sim, testLogger())

	r.NoteRealizedPnl("AAPL", 12.5)
	r.NoteRealizedPnl("AAPL", -4.0)
	r.NoteRealizedPnl("MSFT", 3.0)

	if got := r.RealizedPnlSymbol("AAPL"); got != 8.5 {
		t.Errorf("AAPL pnl = %v, want 8.5", got)
	}
	if got := r.RealizedPnlTotal(); got != 11.5 {
		t.Errorf("total pnl = %v, want 11.5", got)
	}
}

func TestTotalExposureBitStable(t *testing.T) {
	sim := broker.NewSimBroker(100000, domain.Friction{})
	risk := NewRiskEngine(testParams(), sim, testLogger())

	// Values whose float sum depends on addition order.
	risk.NotePendingBuy("DDD", 0.1)
	risk.NotePositionEntry("AAA", 1, 0.1)
	risk.NotePositionEntry("BBB", 1, 0.2)
	risk.NotePositionEntry("CCC", 1, 0.3)

	first := risk.TotalExposureNotional(nil)
	want := 0.1 + 0.1 + 0.2 + 0.3 // pending first, then holdings in symbol order
	if first != want {
		t.Fatalf("exposure = %.20f, want %.20f (symbol-order sum)", first, want)
	}
	for i := 0; i < 1000; i++ {
		if got := risk.TotalExposureNotional(nil); got != first {
			t.Fatalf("exposure differs across identical calls: %.20f vs %.20f (iteration %d)",
				got, first, i)
		}
	}
}
