// Package replay runs deterministic backtests: recorded minute bars are
// played through the live state machines against a simulated broker, and the
// resulting fills are reduced to round-trip trades and an equity curve.
package replay

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"scalper/internal/broker"
	"scalper/internal/domain"
	"scalper/internal/engine"
)

// Runner drives one simulation. For each timestamp on the unified timeline
// it updates market state from the bars, decides fills for working orders,
// emits the resulting order updates, delivers the bars, runs the periodic
// checkup, and samples the equity curve.
//
// The lifecycles and the risk engine must share this runner's clock (see
// Clock) so time-stops and order timeouts resolve against bar time.
type Runner struct {
	sim      *broker.SimBroker
	fleet    *engine.Fleet
	log      *slog.Logger
	friction domain.Friction
	bars     map[string][]domain.Bar

	checkupEvery time.Duration
	now          time.Time

	barsSeen   map[string]int     // order id -> bars elapsed since submission
	fees       map[string]float64 // order id -> accumulated fees
	lastStatus map[string]domain.OrderStatus
	openTrades map[string]*openTrade // symbol -> in-flight round trip
}

type openTrade struct {
	entryTime  time.Time
	qty        float64
	entryPrice float64
	fees       float64
}

// Result is the output of one simulation run.
type Result struct {
	Trades      []domain.TradeRecord
	EquityCurve []domain.EquityPoint
	FinalEquity float64
	Killed      bool
}

// NewRunner creates a Runner over the given broker, fleet, and recorded bars
// (per symbol, sorted by timestamp).
func NewRunner(sim *broker.SimBroker, fleet *engine.Fleet, log *slog.Logger, bars map[string][]domain.Bar) *Runner {
	return &Runner{
		sim:          sim,
		fleet:        fleet,
		log:          log.With("component", "replay"),
		friction:     sim.Friction(),
		bars:         bars,
		checkupEvery: time.Minute,
		barsSeen:     make(map[string]int),
		fees:         make(map[string]float64),
		lastStatus:   make(map[string]domain.OrderStatus),
		openTrades:   make(map[string]*openTrade),
	}
}

// Clock returns the simulation clock, for injection into the risk engine and
// lifecycles before Run.
func (r *Runner) Clock() func() time.Time {
	return func() time.Time { return r.now }
}

// Run plays the timeline to the end and returns the extracted trades and
// equity curve. A kill-switch mid-run does not stop the replay; the
// liquidation orders still need bars to fill against.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	timeline := r.timeline()
	res := &Result{}

	var lastCheckup time.Time
	for _, ts := range timeline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.now = ts
		r.sim.SetNow(ts)

		barsAt := r.barsAt(ts)
		// Deliver bars in symbol order: order-id allocation and cash updates
		// must not depend on map iteration.
		ordered := orderedBars(barsAt)
		for _, bar := range ordered {
			r.sim.UpdateMarketFromBar(bar)
		}

		r.processFills(ctx, barsAt, res)

		for _, bar := range ordered {
			r.fleet.OnBar(ctx, bar)
		}

		if ts.Sub(lastCheckup) >= r.checkupEvery {
			lastCheckup = ts
			if r.fleet.Checkup(ctx) {
				res.Killed = true
			}
		}

		r.emitCancels(ctx)

		acct, err := r.sim.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		res.EquityCurve = append(res.EquityCurve, domain.EquityPoint{
			Timestamp: ts,
			Equity:    acct.Equity,
			Cash:      acct.Cash,
		})
	}

	if n := len(res.EquityCurve); n > 0 {
		res.FinalEquity = res.EquityCurve[n-1].Equity
	}
	sort.Slice(res.Trades, func(i, j int) bool {
		return res.Trades[i].ExitTime.Before(res.Trades[j].ExitTime)
	})
	return res, nil
}

// timeline is the sorted union of all bar timestamps.
func (r *Runner) timeline() []time.Time {
	seen := make(map[int64]time.Time)
	for _, bars := range r.bars {
		for _, b := range bars {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (r *Runner) barsAt(ts time.Time) map[string]domain.Bar {
	out := make(map[string]domain.Bar)
	for sym, bars := range r.bars {
		i := sort.Search(len(bars), func(i int) bool { return !bars[i].Timestamp.Before(ts) })
		if i < len(bars) && bars[i].Timestamp.Equal(ts) {
			out[sym] = bars[i]
		}
	}
	return out
}

func orderedBars(barsAt map[string]domain.Bar) []domain.Bar {
	syms := make([]string, 0, len(barsAt))
	for sym := range barsAt {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	out := make([]domain.Bar, 0, len(syms))
	for _, sym := range syms {
		out = append(out, barsAt[sym])
	}
	return out
}

// ---------------------------------------------------------------------------
// Fill decisions
// ---------------------------------------------------------------------------

// processFills walks the working orders and fills the eligible ones against
// the current bars. An order must age past the activation latency before its
// first fill, which keeps a submit during bar t from filling on information
// already priced into bar t.
func (r *Runner) processFills(ctx context.Context, barsAt map[string]domain.Bar, res *Result) {
	latency := r.friction.ActivationLatencyBars
	if latency < 1 {
		latency = 1
	}

	for _, o := range r.sim.OpenOrders() {
		bar, ok := barsAt[o.Symbol]
		if !ok {
			continue
		}
		r.barsSeen[o.ID]++
		if r.barsSeen[o.ID] < latency {
			continue
		}

		price, marketable := r.fillPrice(o, bar)
		if !marketable {
			continue
		}

		remaining := o.Qty - o.FilledQty
		fillQty := remaining
		if r.friction.ParticipationRate > 0 {
			if maxShares := broker.MaxFillableShares(bar, r.friction); maxShares < fillQty {
				fillQty = maxShares
			}
		}
		if fillQty <= 0 {
			continue
		}

		fee := broker.EstimateFee(fillQty*price, fillQty, r.friction)
		updated, err := r.sim.ApplyFill(o.ID, fillQty, price, fee)
		if err != nil {
			r.log.Error("fill failed", "order_id", o.ID, "error", err)
			continue
		}
		r.fees[o.ID] += fee
		r.lastStatus[o.ID] = updated.Status

		event := domain.OrderEventPartialFill
		if updated.Status == domain.OrderStatusFilled {
			event = domain.OrderEventFill
			r.recordRoundTrip(updated, res)
		}
		r.fleet.OnOrderUpdate(ctx, o.Symbol, event, updated)
	}
}

// fillPrice decides whether the order can trade during the bar and at what
// price. Limit orders fill at their limit or better; market orders cross the
// synthetic spread.
func (r *Runner) fillPrice(o *domain.Order, bar domain.Bar) (float64, bool) {
	q := broker.SyntheticQuote(bar, r.friction)

	if o.Type == domain.OrderTypeMarket {
		if o.Side == domain.OrderSideBuy {
			return q.AskPrice, true
		}
		return q.BidPrice, true
	}

	if o.LimitPrice == nil {
		return 0, false
	}
	limit := *o.LimitPrice
	if o.Side == domain.OrderSideBuy {
		if !broker.LimitBuyMarketable(bar, r.friction, limit) {
			return 0, false
		}
		if q.AskPrice < limit {
			return q.AskPrice, true
		}
		return limit, true
	}
	if !broker.LimitSellMarketable(bar, r.friction, limit) {
		return 0, false
	}
	if q.BidPrice > limit {
		return q.BidPrice, true
	}
	return limit, true
}

// ---------------------------------------------------------------------------
// Round-trip extraction and cancel propagation
// ---------------------------------------------------------------------------

// recordRoundTrip pairs completed buys with completed sells into trade
// records, with fees from both legs.
func (r *Runner) recordRoundTrip(o *domain.Order, res *Result) {
	avg := 0.0
	if o.FilledAvgPrice != nil {
		avg = *o.FilledAvgPrice
	}

	if o.Side == domain.OrderSideBuy {
		r.openTrades[o.Symbol] = &openTrade{
			entryTime:  r.now,
			qty:        o.FilledQty,
			entryPrice: avg,
			fees:       r.fees[o.ID],
		}
		return
	}

	ot, ok := r.openTrades[o.Symbol]
	if !ok {
		return
	}
	delete(r.openTrades, o.Symbol)

	totalFees := ot.fees + r.fees[o.ID]
	res.Trades = append(res.Trades, domain.TradeRecord{
		Symbol:     o.Symbol,
		EntryTime:  ot.entryTime,
		ExitTime:   r.now,
		Qty:        o.FilledQty,
		EntryPrice: ot.entryPrice,
		ExitPrice:  avg,
		Fees:       totalFees,
		NetPnL:     (avg-ot.entryPrice)*o.FilledQty - totalFees,
	})
}

// emitCancels diffs order statuses after the step and delivers canceled
// events for orders the lifecycles canceled during OnBar or Checkup, so the
// state machines see the same event stream a live broker would send.
func (r *Runner) emitCancels(ctx context.Context) {
	orders, err := r.sim.ListOrders(ctx, broker.StatusFilterClosed)
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.Status != domain.OrderStatusCanceled {
			r.lastStatus[o.ID] = o.Status
			continue
		}
		if r.lastStatus[o.ID] == domain.OrderStatusCanceled {
			continue
		}
		r.lastStatus[o.ID] = domain.OrderStatusCanceled
		r.fleet.OnOrderUpdate(ctx, o.Symbol, domain.OrderEventCanceled, o)
	}
}
