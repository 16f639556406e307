package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"scalper/internal/broker"
	"scalper/internal/domain"
	"scalper/internal/util"
)

// State is the per-symbol trading state. Exactly one order can be working at
// a time, so the machine alternates between an idle side and a submitted
// side.
type State string

const (
	StateToBuy         State = "TO_BUY"
	StateBuySubmitted  State = "BUY_SUBMITTED"
	StateToSell        State = "TO_SELL"
	StateSellSubmitted State = "SELL_SUBMITTED"
)

// LifecycleConfig carries the per-symbol trading parameters.
type LifecycleConfig struct {
	Symbol     string
	Lot        float64       // target notional per entry (USD)
	BuyTimeout time.Duration // cancel a working buy after this long
}

// Lifecycle runs the order state machine for one symbol: SMA-20 upcross
// entries, exit-at-profit limit sells, and forced exits driven by the risk
// engine. It is not internally synchronized; the fleet serializes all calls
// for a given symbol.
type Lifecycle struct {
	api  broker.BrokerAPI
	risk *RiskEngine // nil runs unguarded, sized by lot alone
	cal  *util.TradingCalendar
	log  *slog.Logger
	cfg  LifecycleConfig
	now  func() time.Time

	state    State
	halted   bool
	bars     []domain.Bar
	order    *domain.Order
	position *domain.Position
}

// NewLifecycle backfills the session's bars, reconciles state against the
// broker's open orders and positions, and bootstraps the risk ledger. A
// broker failure during backfill or reconciliation is returned to the caller
// (which retries at startup).
func NewLifecycle(ctx context.Context, api broker.BrokerAPI, risk *RiskEngine, cal *util.TradingCalendar, log *slog.Logger, cfg LifecycleConfig) (*Lifecycle, error) {
	l := &Lifecycle{
		api:  api,
		risk: risk,
		cal:  cal,
		log:  log.With("symbol", cfg.Symbol),
		cfg:  cfg,
		now:  time.Now,
	}

	now := l.now()
	bars, err := api.GetBars(ctx, cfg.Symbol, broker.TimeframeMinute, cal.SessionOpen(now), now)
	if err != nil {
		return nil, fmt.Errorf("backfilling bars for %s: %w", cfg.Symbol, err)
	}
	l.bars = bars

	if err := l.reconcile(ctx); err != nil {
		return nil, err
	}
	l.bootstrapRisk()

	return l, nil
}

// SetClock overrides the wall clock for replays and tests.
func (l *Lifecycle) SetClock(now func() time.Time) { l.now = now }

// Symbol returns the traded symbol.
func (l *Lifecycle) Symbol() string { return l.cfg.Symbol }

// State returns the current lifecycle state.
func (l *Lifecycle) State() State { return l.state }

// reconcile derives the state from what the broker already has for this
// symbol: a held position means we are on the sell side, a working order
// means the submit already happened.
func (l *Lifecycle) reconcile(ctx context.Context) error {
	orders, err := l.api.ListOrders(ctx, broker.StatusFilterOpen)
	if err != nil {
		return fmt.Errorf("listing open orders for %s: %w", l.cfg.Symbol, err)
	}
	for _, o := range orders {
		if o.Symbol == l.cfg.Symbol {
			l.order = o
			break
		}
	}

	pos, err := l.api.GetPosition(ctx, l.cfg.Symbol)
	switch {
	case err == nil:
		l.position = pos
	case errors.Is(err, broker.ErrNotFound):
		l.position = nil
	default:
		return fmt.Errorf("fetching position for %s: %w", l.cfg.Symbol, err)
	}

	if l.position != nil {
		if l.order == nil {
			l.state = StateToSell
		} else {
			l.state = StateSellSubmitted
			if l.order.Side != domain.OrderSideSell {
				l.log.Warn("state mismatches working order side",
					"state", l.state, "order_id", l.order.ID, "side", l.order.Side)
			}
		}
	} else {
		if l.order == nil {
			l.state = StateToBuy
		} else {
			l.state = StateBuySubmitted
			if l.order.Side != domain.OrderSideBuy {
				l.log.Warn("state mismatches working order side",
					"state", l.state, "order_id", l.order.ID, "side", l.order.Side)
			}
		}
	}
	return nil
}

// bootstrapRisk seeds the risk ledger from reconciled state so restarts do
// not lose exposure accounting.
func (l *Lifecycle) bootstrapRisk() {
	if l.risk == nil {
		return
	}
	if l.position != nil {
		l.risk.NotePositionEntry(l.cfg.Symbol, l.position.Qty, l.position.AvgEntryPrice)
	}
	if l.order != nil && l.order.Side == domain.OrderSideBuy {
		if l.order.Qty > 0 && l.order.LimitPrice != nil && *l.order.LimitPrice > 0 {
			l.risk.NotePendingBuy(l.cfg.Symbol, l.order.Qty**l.order.LimitPrice)
		}
	}
}

// HaltTrading disables further entries for this symbol. Exits may still run.
func (l *Lifecycle) HaltTrading(reason string) {
	l.halted = true
	l.log.Error("trading halted", "reason", reason)
}

// ---------------------------------------------------------------------------
// Bar handling and entry signal
// ---------------------------------------------------------------------------

// OnBar appends the bar and, when flat and allowed to trade, evaluates the
// entry signal.
func (l *Lifecycle) OnBar(ctx context.Context, bar domain.Bar) {
	l.bars = append(l.bars, bar)

	l.log.Debug("received bar", "timestamp", bar.Timestamp, "close", bar.Close, "bars", len(l.bars))
	if len(l.bars) < 21 {
		return
	}
	if l.cal.PastCutoff(l.now()) {
		return
	}
	if l.halted {
		return
	}
	if l.risk != nil {
		if l.risk.IsKilled() {
			return
		}
		if !l.risk.IsSymbolEnabled(l.cfg.Symbol) {
			return
		}
	}

	if l.state != StateToBuy {
		return
	}
	if !l.buySignal() {
		return
	}

	if l.risk == nil {
		trade, err := l.api.GetLastTrade(ctx, l.cfg.Symbol)
		if err != nil {
			l.log.Error("failed to fetch last trade for sizing", "error", err)
			return
		}
		qty := int(l.cfg.Lot / trade.Price)
		l.submitBuy(ctx, qty, trade.Price)
		return
	}

	trade, err := l.api.GetLastTrade(ctx, l.cfg.Symbol)
	if err != nil {
		l.log.Error("failed to fetch last trade for sizing", "error", err)
		return
	}
	decision := l.risk.DecideBuyQty(ctx, l.cfg.Symbol, l.cfg.Lot, trade.Price, l.bars)
	if !decision.OK {
		l.log.Info("skipping buy", "reason", decision.Reason)
		return
	}
	l.submitBuy(ctx, decision.Qty, trade.Price)
}

// buySignal is the SMA-20 upcross: the previous close below its moving
// average and the latest close above. Requires at least 21 bars.
func (l *Lifecycle) buySignal() bool {
	n := len(l.bars)
	prevClose := l.bars[n-2].Close
	lastClose := l.bars[n-1].Close
	prevAvg := l.sma20(n - 1)
	lastAvg := l.sma20(n)

	if prevClose < prevAvg && lastClose > lastAvg {
		l.log.Info("buy signal",
			"prev_close", prevClose, "prev_mavg", prevAvg,
			"close", lastClose, "mavg", lastAvg)
		return true
	}
	return false
}

// sma20 averages the 20 closes ending at index end (exclusive).
func (l *Lifecycle) sma20(end int) float64 {
	sum := 0.0
	for i := end - 20; i < end; i++ {
		sum += l.bars[i].Close
	}
	return sum / 20.0
}

// ---------------------------------------------------------------------------
// Order submission
// ---------------------------------------------------------------------------

func (l *Lifecycle) submitBuy(ctx context.Context, qty int, limitPrice float64) {
	if qty <= 0 {
		l.log.Info("skipping buy: zero quantity", "limit_price", limitPrice)
		return
	}
	lp := limitPrice
	order, err := l.api.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:      l.cfg.Symbol,
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		Qty:         float64(qty),
		TimeInForce: domain.TimeInForceDay,
		LimitPrice:  &lp,
	})
	if err != nil {
		l.log.Error("buy submit failed", "error", err)
		l.transition(StateToBuy)
		return
	}

	l.order = order
	if l.risk != nil {
		l.risk.NotePendingBuy(l.cfg.Symbol, float64(qty)*lp)
	}
	l.log.Info("submitted buy", "order_id", order.ID, "qty", qty, "limit_price", lp)
	l.transition(StateBuySubmitted)
}

// submitSell exits the held position. The normal path rests a limit at
// max(cost_basis+0.01, current price) so a fill is never below break-even
// plus a tick; bailout sends a market order instead.
func (l *Lifecycle) submitSell(ctx context.Context, bailout bool) {
	if l.position == nil {
		return
	}
	req := broker.OrderRequest{
		Symbol:      l.cfg.Symbol,
		Side:        domain.OrderSideSell,
		Qty:         l.position.Qty,
		TimeInForce: domain.TimeInForceDay,
	}
	if bailout {
		req.Type = domain.OrderTypeMarket
	} else {
		trade, err := l.api.GetLastTrade(ctx, l.cfg.Symbol)
		if err != nil {
			l.log.Error("failed to fetch last trade for sell pricing", "error", err)
			l.transition(StateToSell)
			return
		}
		lp := math.Max(l.position.AvgEntryPrice+0.01, trade.Price)
		req.Type = domain.OrderTypeLimit
		req.LimitPrice = &lp
	}

	order, err := l.api.SubmitOrder(ctx, req)
	if err != nil {
		l.log.Error("sell submit failed", "error", err)
		l.transition(StateToSell)
		return
	}

	l.order = order
	l.log.Info("submitted sell", "order_id", order.ID, "qty", req.Qty, "type", req.Type)
	l.transition(StateSellSubmitted)
}

func (l *Lifecycle) cancelOrder(ctx context.Context) {
	if l.order == nil {
		return
	}
	if l.risk != nil && l.order.Side == domain.OrderSideBuy {
		l.risk.ClearPendingBuy(l.cfg.Symbol)
	}
	if err := l.api.CancelOrder(ctx, l.order.ID); err != nil {
		l.log.Error("cancel failed", "order_id", l.order.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Order update handling
// ---------------------------------------------------------------------------

// OnOrderUpdate advances the state machine on a trade-update event. Updates
// for orders other than the currently tracked one are dropped: after a
// cancel/replace for a forced exit, late events for the replaced order must
// not corrupt the state.
func (l *Lifecycle) OnOrderUpdate(ctx context.Context, event domain.OrderEvent, order *domain.Order) {
	l.log.Info("order update", "event", event, "order_id", orderID(order))

	if l.order != nil && order != nil && order.ID != l.order.ID {
		l.log.Info("ignoring update for non-current order", "order_id", order.ID)
		return
	}

	switch event {
	case domain.OrderEventFill:
		if l.risk != nil && l.state == StateBuySubmitted {
			l.risk.ClearPendingBuy(l.cfg.Symbol)
		}
		l.order = nil

		switch l.state {
		case StateBuySubmitted:
			pos, err := l.api.GetPosition(ctx, l.cfg.Symbol)
			if err != nil {
				// The fill already happened; losing the position fetch must
				// not orphan the holding. Reconstruct it from the event's
				// fill fields when they are present.
				pos = positionFromFill(l.cfg.Symbol, order)
				if pos == nil {
					l.log.Error("position fetch after buy fill failed", "error", err)
					l.transition(StateToBuy)
					return
				}
				l.log.Warn("position fetch after buy fill failed, using fill snapshot",
					"error", err, "qty", pos.Qty, "avg_price", pos.AvgEntryPrice)
			}
			l.position = pos
			if l.risk != nil {
				l.risk.NotePositionEntry(l.cfg.Symbol, pos.Qty, pos.AvgEntryPrice)
			}
			l.transition(StateToSell)
			l.submitSell(ctx, false)

		case StateSellSubmitted:
			l.noteSellPnl(ctx, order)
			if l.risk != nil {
				l.risk.NotePositionExit(l.cfg.Symbol)
			}
			l.position = nil
			l.transition(StateToBuy)
		}

	case domain.OrderEventPartialFill:
		pos, err := l.api.GetPosition(ctx, l.cfg.Symbol)
		if err == nil {
			l.position = pos
		}
		if order != nil {
			if od, err := l.api.GetOrder(ctx, order.ID); err == nil {
				l.order = od
			}
		}

	case domain.OrderEventCanceled, domain.OrderEventRejected:
		if event == domain.OrderEventRejected {
			l.log.Warn("order rejected", "order_id", orderID(l.order))
		}
		if l.risk != nil && l.state == StateBuySubmitted {
			l.risk.ClearPendingBuy(l.cfg.Symbol)
		}
		l.order = nil

		switch l.state {
		case StateBuySubmitted:
			if l.position != nil {
				l.transition(StateToSell)
				l.submitSell(ctx, false)
			} else {
				l.transition(StateToBuy)
			}
		case StateSellSubmitted:
			l.transition(StateToSell)
			l.submitSell(ctx, true)
		default:
			l.log.Warn("unexpected state for terminal event", "event", event, "state", l.state)
		}
	}
}

// noteSellPnl records realized profit for a completed sell, preferring the
// event's fill fields and falling back to a fresh order fetch.
func (l *Lifecycle) noteSellPnl(ctx context.Context, order *domain.Order) {
	if l.risk == nil {
		return
	}
	entryPx, ok := l.risk.EntryPrice(l.cfg.Symbol)
	if !ok {
		return
	}

	var exitPx, exitQty float64
	if order != nil {
		if order.FilledAvgPrice != nil {
			exitPx = *order.FilledAvgPrice
		}
		exitQty = order.FilledQty
	}
	if (exitPx == 0 || exitQty == 0) && order != nil {
		if od, err := l.api.GetOrder(ctx, order.ID); err == nil {
			if od.FilledAvgPrice != nil {
				exitPx = *od.FilledAvgPrice
			}
			exitQty = od.FilledQty
		}
	}
	if exitPx > 0 && exitQty > 0 {
		l.risk.NoteRealizedPnl(l.cfg.Symbol, (exitPx-entryPx)*exitQty)
	}
}

// ---------------------------------------------------------------------------
// Periodic checkup
// ---------------------------------------------------------------------------

// Checkup runs the periodic maintenance pass: cancel a buy that has been
// working too long, force exits the risk engine demands, and end-of-day
// liquidation past the cutoff.
func (l *Lifecycle) Checkup(ctx context.Context) {
	now := l.now()

	// A failed position refresh after a fill can leave the cached snapshot
	// empty while the broker still holds shares; the risk ledger (synced
	// from broker positions) knows. Refetch before the exit checks so the
	// holding cannot sit unmanaged.
	if l.position == nil && l.risk != nil {
		if _, held := l.risk.EntryPrice(l.cfg.Symbol); held {
			if pos, err := l.api.GetPosition(ctx, l.cfg.Symbol); err == nil {
				l.log.Warn("recovered untracked position", "qty", pos.Qty)
				l.position = pos
				if l.state == StateToBuy {
					l.transition(StateToSell)
					l.submitSell(ctx, false)
				}
			}
		}
	}

	if l.order != nil && l.order.Side == domain.OrderSideBuy &&
		now.Sub(l.order.SubmittedAt) > l.cfg.BuyTimeout {
		l.log.Info("canceling missed buy order",
			"order_id", l.order.ID, "limit_price", limitPrice(l.order))
		l.cancelOrder(ctx)
	}

	if l.risk != nil && l.position != nil {
		if force, reason := l.risk.ShouldForceExit(ctx, l.cfg.Symbol); force {
			l.log.Error("forced exit triggered", "reason", reason)
			l.forceExitMarket(ctx, reason)
		}
	}

	if l.position != nil && l.cal.PastCutoff(now) {
		// Cancel any working order first to avoid double-selling.
		if l.order != nil {
			l.cancelOrder(ctx)
			l.order = nil
		}
		l.submitSell(ctx, true)
	}
}

// forceExitMarket cancels any working order and flattens the position at
// market, then lets the risk engine decide whether the symbol sits out.
func (l *Lifecycle) forceExitMarket(ctx context.Context, reason string) {
	if l.order != nil {
		l.cancelOrder(ctx)
		l.order = nil
	}
	if l.position == nil {
		return
	}
	l.transition(StateToSell)
	l.submitSell(ctx, true)
	if l.risk != nil {
		l.risk.MaybeDisableAfterForcedExit(l.cfg.Symbol, reason)
	}
}

func (l *Lifecycle) transition(next State) {
	l.log.Info("transition", "from", l.state, "to", next)
	l.state = next
}

// positionFromFill reconstructs a holding from a fill event's order snapshot,
// for when the position endpoint is unavailable.
func positionFromFill(symbol string, o *domain.Order) *domain.Position {
	if o == nil || o.FilledQty <= 0 || o.FilledAvgPrice == nil || *o.FilledAvgPrice <= 0 {
		return nil
	}
	return &domain.Position{Symbol: symbol, Qty: o.FilledQty, AvgEntryPrice: *o.FilledAvgPrice}
}

func orderID(o *domain.Order) string {
	if o == nil {
		return ""
	}
	return o.ID
}

func limitPrice(o *domain.Order) float64 {
	if o == nil || o.LimitPrice == nil {
		return 0
	}
	return *o.LimitPrice
}
