package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"scalper/internal/broker"
	"scalper/internal/domain"
)

// RiskParams carries the portfolio and per-position risk limits. Monetary
// values are USD. Zero-valued MaxPositionNotional / MaxTotalExposure fall
// back to lot-derived defaults at decision time.
type RiskParams struct {
	MaxPositions        int
	MaxPositionNotional float64
	MaxTotalExposure    float64
	MaxDailyLoss        float64

	StopLossPct     float64
	TimeStopMinutes float64

	MaxSpreadBps    float64
	MaxSpreadCents  float64
	MaxBarRangePct  float64
	MaxReturnStdPct float64

	SymbolMaxForcedExits       int
	ForcedExitCooldownMinutes  float64
	DisableAfterBreakerMinutes float64

	EnableSpreadGuard     bool
	EnableVolatilityGuard bool
}

type positionRecord struct {
	price   float64
	qty     float64
	entryAt time.Time
}

type disabledEntry struct {
	until   time.Time
	forever bool
}

// RiskEngine is the admission-control and kill-switch authority shared by
// all symbol lifecycles. Its ledger (pending buys, open positions, breaker
// state) lives under one mutex; broker calls happen before the lock is
// taken so no network I/O ever runs while the ledger is held.
//
// It is a pragmatic overlay, not a full OMS: it assumes this process is the
// only active trader on the account.
type RiskEngine struct {
	params RiskParams
	api    broker.BrokerAPI
	log    *slog.Logger
	now    func() time.Time

	mu                 sync.Mutex
	pendingBuyNotional map[string]float64
	openPositions      map[string]*positionRecord
	forcedExits        map[string]int
	disabled           map[string]disabledEntry

	startEquity    float64
	startEquitySet bool
	killed         bool
	killReason     string

	realizedBySymbol map[string]float64
	realizedTotal    float64
}

// NewRiskEngine creates a RiskEngine with the given limits.
func NewRiskEngine(params RiskParams, api broker.BrokerAPI, log *slog.Logger) *RiskEngine {
	return &RiskEngine{
		params: params,
		api:    api,
		log:    log.With("component", "risk"),
		now:    time.Now,

		pendingBuyNotional: make(map[string]float64),
		openPositions:      make(map[string]*positionRecord),
		forcedExits:        make(map[string]int),
		disabled:           make(map[string]disabledEntry),
		realizedBySymbol:   make(map[string]float64),
	}
}

// SetClock overrides the wall clock. Replays inject the simulation clock so
// time-stops and cooldowns resolve against bar time.
func (r *RiskEngine) SetClock(now func() time.Time) { r.now = now }

// ---------------------------------------------------------------------------
// Equity / kill-switch
// ---------------------------------------------------------------------------

// InitStartEquity captures the session's starting equity. On failure the
// kill-switch stays inert rather than risking a false trigger.
func (r *RiskEngine) InitStartEquity(ctx context.Context) {
	acct, err := r.api.GetAccount(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Error("failed to fetch start equity, kill-switch disabled", "error", err)
		r.startEquitySet = false
		return
	}
	r.startEquity = acct.Equity
	r.startEquitySet = true
	r.log.Info("start equity captured", "equity", acct.Equity)
}

// CheckKillSwitch reports whether the daily-loss kill-switch is (or becomes)
// triggered given the current account equity. Once triggered it latches for
// the rest of the session.
func (r *RiskEngine) CheckKillSwitch(equity float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killed {
		return true
	}
	if !r.startEquitySet {
		return false
	}

	dd := r.startEquity - equity
	if dd >= r.params.MaxDailyLoss {
		r.killed = true
		r.killReason = fmt.Sprintf("daily loss kill-switch: drawdown=%.2f >= max_daily_loss=%.2f",
			dd, r.params.MaxDailyLoss)
		r.log.Error("KILL SWITCH TRIGGERED", "reason", r.killReason)
		return true
	}
	return false
}

// IsKilled reports whether the kill-switch has latched.
func (r *RiskEngine) IsKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}

// KillReason returns the latched kill-switch reason, if any.
func (r *RiskEngine) KillReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killReason
}

// ExecuteKillSwitch runs the emergency liquidation: disable every known
// symbol, cancel open orders, market-sell all positions, then halt each
// lifecycle via the callback. The four phases are independent and
// best-effort; a failure in one never blocks the next.
func (r *RiskEngine) ExecuteKillSwitch(ctx context.Context, symbols []string, halt func(symbol string)) {
	r.log.Error("executing kill-switch liquidation")

	for _, sym := range symbols {
		r.DisableSymbol(sym, "kill-switch", 0)
	}

	orders, err := r.api.ListOrders(ctx, broker.StatusFilterOpen)
	if err != nil {
		r.log.Error("failed to list open orders during kill-switch", "error", err)
	}
	for _, o := range orders {
		if err := r.api.CancelOrder(ctx, o.ID); err != nil {
			r.log.Error("kill-switch cancel failed", "order_id", o.ID, "error", err)
		}
	}

	positions, err := r.api.ListPositions(ctx)
	if err != nil {
		r.log.Error("failed to list positions during kill-switch", "error", err)
	}
	for _, p := range positions {
		_, err := r.api.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:      p.Symbol,
			Side:        domain.OrderSideSell,
			Type:        domain.OrderTypeMarket,
			Qty:         p.Qty,
			TimeInForce: domain.TimeInForceDay,
		})
		if err != nil {
			r.log.Error("kill-switch market sell failed", "symbol", p.Symbol, "error", err)
			continue
		}
		r.log.Error("kill-switch submitted market sell", "symbol", p.Symbol, "qty", p.Qty)
	}

	if halt != nil {
		for _, sym := range symbols {
			halt(sym)
		}
	}
}

// ---------------------------------------------------------------------------
// Symbol enable/disable
// ---------------------------------------------------------------------------

// IsSymbolEnabled reports whether the symbol may trade. Expired cooldowns
// self-heal here.
func (r *RiskEngine) IsSymbolEnabled(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbolEnabledLocked(symbol)
}

func (r *RiskEngine) symbolEnabledLocked(symbol string) bool {
	entry, ok := r.disabled[symbol]
	if !ok {
		return true
	}
	if entry.forever {
		return false
	}
	if !r.now().Before(entry.until) {
		delete(r.disabled, symbol)
		return true
	}
	return false
}

// DisableSymbol blocks new entries for the symbol. A non-positive duration
// disables it indefinitely.
func (r *RiskEngine) DisableSymbol(symbol, reason string, duration time.Duration) {
	r.mu.Lock()
	if duration > 0 {
		r.disabled[symbol] = disabledEntry{until: r.now().Add(duration)}
	} else {
		r.disabled[symbol] = disabledEntry{forever: true}
	}
	r.mu.Unlock()

	r.log.Warn("symbol disabled", "symbol", symbol, "reason", reason, "duration", duration)
}

// MaybeDisableAfterForcedExit bumps the symbol's forced-exit counter and
// trips the per-symbol circuit breaker when it reaches the limit, or applies
// the short cooldown otherwise.
func (r *RiskEngine) MaybeDisableAfterForcedExit(symbol, reason string) {
	r.mu.Lock()
	r.forcedExits[symbol]++
	n := r.forcedExits[symbol]
	r.mu.Unlock()

	if n >= r.params.SymbolMaxForcedExits {
		breaker := time.Duration(r.params.DisableAfterBreakerMinutes * float64(time.Minute))
		r.DisableSymbol(symbol, fmt.Sprintf("circuit breaker: forced exits=%d %s", n, reason), breaker)
	} else if r.params.ForcedExitCooldownMinutes > 0 {
		cooldown := time.Duration(r.params.ForcedExitCooldownMinutes * float64(time.Minute))
		r.DisableSymbol(symbol, fmt.Sprintf("cooldown after forced exit %s", reason), cooldown)
	}
}

// ---------------------------------------------------------------------------
// Exposure tracking
// ---------------------------------------------------------------------------

// NotePendingBuy reserves notional for a working buy order.
func (r *RiskEngine) NotePendingBuy(symbol string, notional float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingBuyNotional[symbol] = notional
}

// ClearPendingBuy releases the reservation for a symbol's buy order.
func (r *RiskEngine) ClearPendingBuy(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingBuyNotional, symbol)
}

// NotePositionEntry records a new holding with its entry time, which anchors
// the time-stop.
func (r *RiskEngine) NotePositionEntry(symbol string, qty, avgPrice float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openPositions[symbol] = &positionRecord{price: avgPrice, qty: qty, entryAt: r.now()}
}

// NotePositionExit removes the holding record for a symbol.
func (r *RiskEngine) NotePositionExit(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.openPositions, symbol)
}

// EntryPrice returns the recorded average entry price for a held symbol.
func (r *RiskEngine) EntryPrice(symbol string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.openPositions[symbol]
	if !ok {
		return 0, false
	}
	return rec.price, true
}

// SyncFromPositions reconciles the holding ledger against a pre-fetched
// broker position list. New symbols get an entry timestamp of now (unknown
// after a restart); vanished symbols are dropped; held symbols refresh their
// qty and average price, which drift with partial fills.
func (r *RiskEngine) SyncFromPositions(positions []domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		held[p.Symbol] = struct{}{}
		if rec, ok := r.openPositions[p.Symbol]; ok {
			rec.price = p.AvgEntryPrice
			rec.qty = p.Qty
		} else {
			r.openPositions[p.Symbol] = &positionRecord{
				price:   p.AvgEntryPrice,
				qty:     p.Qty,
				entryAt: r.now(),
			}
		}
	}
	for sym := range r.openPositions {
		if _, ok := held[sym]; !ok {
			delete(r.openPositions, sym)
		}
	}
}

// CountOpenPositions returns the number of tracked holdings.
func (r *RiskEngine) CountOpenPositions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.openPositions)
}

// TotalExposureNotional computes pending buy notional plus mark-to-market of
// holdings. Marks override the stored entry price where present.
func (r *RiskEngine) TotalExposureNotional(marks map[string]float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalExposureLocked(marks)
}

func (r *RiskEngine) totalExposureLocked(marks map[string]float64) float64 {
	// Sum in symbol order so the float total is identical across calls and
	// runs; map iteration order would perturb it.
	pending := make([]string, 0, len(r.pendingBuyNotional))
	for sym := range r.pendingBuyNotional {
		pending = append(pending, sym)
	}
	sort.Strings(pending)
	held := make([]string, 0, len(r.openPositions))
	for sym := range r.openPositions {
		held = append(held, sym)
	}
	sort.Strings(held)

	total := 0.0
	for _, sym := range pending {
		total += r.pendingBuyNotional[sym]
	}
	for _, sym := range held {
		rec := r.openPositions[sym]
		if rec.qty <= 0 {
			continue
		}
		px := rec.price
		if mark, ok := marks[sym]; ok && mark > 0 {
			px = mark
		}
		total += rec.qty * px
	}
	return total
}

// heldSymbols snapshots the holding symbols so marks can be fetched without
// the lock.
func (r *RiskEngine) heldSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	syms := make([]string, 0, len(r.openPositions))
	for sym := range r.openPositions {
		syms = append(syms, sym)
	}
	return syms
}

// ---------------------------------------------------------------------------
// Pre-trade admission
// ---------------------------------------------------------------------------

// DecideBuyQty runs the admission pipeline for a prospective entry and
// returns the approved share quantity. Checks run in a fixed order (kill,
// breaker, notional, position count, exposure, spread, volatility, price)
// and the first failure wins. Hard limits fail closed; microstructure guards
// fail open when their inputs are unavailable.
func (r *RiskEngine) DecideBuyQty(ctx context.Context, symbol string, desiredNotional, price float64, bars []domain.Bar) domain.RiskDecision {
	// Broker I/O up front, before the ledger lock: marks for held symbols
	// and the quote for the spread guard.
	marks := make(map[string]float64)
	for _, sym := range r.heldSymbols() {
		if trade, err := r.api.GetLastTrade(ctx, sym); err == nil {
			marks[sym] = trade.Price
		}
	}

	var quote *domain.Quote
	if r.params.EnableSpreadGuard {
		if q, err := r.api.GetLastQuote(ctx, symbol); err == nil {
			quote = &q
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.killed {
		return domain.RiskDecision{Reason: "kill-switch active"}
	}
	if !r.symbolEnabledLocked(symbol) {
		return domain.RiskDecision{Reason: "symbol disabled"}
	}

	maxPosNotional := r.params.MaxPositionNotional
	if maxPosNotional <= 0 {
		maxPosNotional = desiredNotional
	}
	effectiveNotional := math.Min(desiredNotional, maxPosNotional)
	if effectiveNotional <= 0 {
		return domain.RiskDecision{Reason: "effective_notional <= 0"}
	}

	if len(r.openPositions) >= r.params.MaxPositions {
		return domain.RiskDecision{Reason: fmt.Sprintf("max_positions reached: %d", r.params.MaxPositions)}
	}

	maxTotal := r.params.MaxTotalExposure
	if maxTotal <= 0 {
		maxTotal = float64(r.params.MaxPositions) * maxPosNotional
	}
	currentTotal := r.totalExposureLocked(marks)
	if currentTotal+effectiveNotional > maxTotal {
		return domain.RiskDecision{Reason: fmt.Sprintf(
			"max_total_exposure exceeded: current=%.2f + new=%.2f > max_total=%.2f",
			currentTotal, effectiveNotional, maxTotal)}
	}

	if ok, reason := r.spreadOK(quote); !ok {
		return domain.RiskDecision{Reason: reason}
	}
	if ok, reason := r.volatilityOK(bars); !ok {
		return domain.RiskDecision{Reason: reason}
	}

	if price <= 0 {
		return domain.RiskDecision{Reason: "invalid price"}
	}
	qty := int(effectiveNotional / price)
	if qty <= 0 {
		return domain.RiskDecision{Reason: fmt.Sprintf(
			"qty computed as 0 (notional=%.2f price=%.4f)", effectiveNotional, price)}
	}

	return domain.RiskDecision{OK: true, Qty: qty}
}

// spreadOK applies the microstructure guard to a pre-fetched quote. A
// missing or degenerate quote does not block.
func (r *RiskEngine) spreadOK(quote *domain.Quote) (bool, string) {
	if !r.params.EnableSpreadGuard {
		return true, ""
	}
	if quote == nil || quote.BidPrice <= 0 || quote.AskPrice <= 0 {
		return true, "spread guard skipped: no quote"
	}

	spread := quote.AskPrice - quote.BidPrice
	mid := (quote.AskPrice + quote.BidPrice) / 2.0
	if mid <= 0 {
		return true, "spread guard skipped: invalid mid"
	}
	spreadBps := spread / mid * 10000.0

	if r.params.MaxSpreadCents > 0 && spread >= r.params.MaxSpreadCents {
		return false, fmt.Sprintf("spread too wide: %.4f >= max_spread_cents=%.4f (bid=%.4f ask=%.4f)",
			spread, r.params.MaxSpreadCents, quote.BidPrice, quote.AskPrice)
	}
	if spreadBps >= r.params.MaxSpreadBps {
		return false, fmt.Sprintf("spread too wide: %.2f bps >= max_spread_bps=%.2f (bid=%.4f ask=%.4f)",
			spreadBps, r.params.MaxSpreadBps, quote.BidPrice, quote.AskPrice)
	}
	return true, ""
}

// volatilityOK rejects entries off abnormal bars: an outsized high-low range
// on the latest bar, or an elevated standard deviation of the last 20
// one-minute returns. Fewer than 21 bars never blocks.
func (r *RiskEngine) volatilityOK(bars []domain.Bar) (bool, string) {
	if !r.params.EnableVolatilityGuard {
		return true, ""
	}
	if len(bars) < 21 {
		return true, ""
	}

	last := bars[len(bars)-1]
	if last.Close > 0 {
		rangePct := (last.High - last.Low) / last.Close
		if rangePct >= r.params.MaxBarRangePct {
			return false, fmt.Sprintf("bar range too large: %.4f >= max_bar_range_pct=%.4f",
				rangePct, r.params.MaxBarRangePct)
		}
	}

	returns := make([]float64, 0, 20)
	start := len(bars) - 21
	for i := start + 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, bars[i].Close/prev-1.0)
	}
	if len(returns) >= 10 {
		std := sampleStd(returns)
		if std >= r.params.MaxReturnStdPct {
			return false, fmt.Sprintf("return std too high: %.4f >= max_return_std_pct=%.4f",
				std, r.params.MaxReturnStdPct)
		}
	}
	return true, ""
}

// sampleStd is the sample standard deviation (n-1 denominator).
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// ---------------------------------------------------------------------------
// Position exit checks (time-stop / stop-loss)
// ---------------------------------------------------------------------------

// ShouldForceExit reports whether a held position must be forcibly closed.
// The time-stop is evaluated before the stop-loss so a stale position exits
// even when no fresh mark is reachable.
func (r *RiskEngine) ShouldForceExit(ctx context.Context, symbol string) (bool, string) {
	r.mu.Lock()
	rec, ok := r.openPositions[symbol]
	if !ok || rec.price <= 0 || rec.qty <= 0 {
		r.mu.Unlock()
		return false, ""
	}
	entryPx := rec.price
	entryAt := rec.entryAt
	r.mu.Unlock()

	if r.params.TimeStopMinutes > 0 {
		held := r.now().Sub(entryAt)
		limit := time.Duration(r.params.TimeStopMinutes * float64(time.Minute))
		if held >= limit {
			return true, fmt.Sprintf("time-stop: held_secs=%.1f >= %.1f min",
				held.Seconds(), r.params.TimeStopMinutes)
		}
	}

	trade, err := r.api.GetLastTrade(ctx, symbol)
	if err != nil || trade.Price <= 0 {
		return false, ""
	}
	stopPx := entryPx * (1.0 - r.params.StopLossPct)
	if trade.Price <= stopPx {
		return true, fmt.Sprintf("stop-loss: price=%.4f <= stop_px=%.4f (entry=%.4f, stop_loss_pct=%.4f)",
			trade.Price, stopPx, entryPx, r.params.StopLossPct)
	}
	return false, ""
}

// ---------------------------------------------------------------------------
// Realized PnL tracking
// ---------------------------------------------------------------------------

// NoteRealizedPnl accumulates realized profit for reporting. The kill-switch
// works off account equity, not these totals.
func (r *RiskEngine) NoteRealizedPnl(symbol string, pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realizedBySymbol[symbol] += pnl
	r.realizedTotal += pnl
}

// RealizedPnlTotal returns the session's accumulated realized profit.
func (r *RiskEngine) RealizedPnlTotal() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realizedTotal
}

// RealizedPnlSymbol returns the accumulated realized profit for one symbol.
func (r *RiskEngine) RealizedPnlSymbol(symbol string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realizedBySymbol[symbol]
}
