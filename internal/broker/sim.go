package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"scalper/internal/domain"
)

// Compile-time interface check.
var _ BrokerAPI = (*SimBroker)(nil)

// fillEpsilon absorbs float drift when deciding whether an order is
// completely filled.
const fillEpsilon = 1e-9

// SimBroker is a deterministic in-memory broker for backtests. It owns the
// cash balance, positions, and order book, and serves market data from the
// last bar pushed via UpdateMarketFromBar. It is synchronous and
// single-threaded by construction: a replay must not share one instance
// across concurrently running simulations.
type SimBroker struct {
	cash      float64
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	openIDs   map[string]struct{}
	orderSeq  int

	friction domain.Friction
	now      time.Time
	lastBar  map[string]domain.Bar
	mid      map[string]float64
	history  map[string][]domain.Bar
}

// NewSimBroker creates a SimBroker with the given starting cash and friction
// parameters.
func NewSimBroker(startCash float64, friction domain.Friction) *SimBroker {
	return &SimBroker{
		cash:      startCash,
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
		openIDs:   make(map[string]struct{}),
		friction:  friction,
		lastBar:   make(map[string]domain.Bar),
		mid:       make(map[string]float64),
		history:   make(map[string][]domain.Bar),
	}
}

// Name returns "sim".
func (b *SimBroker) Name() string { return "sim" }

// ---------------------------------------------------------------------------
// Simulation clock and market state (driven by the replay runner)
// ---------------------------------------------------------------------------

// SetNow advances the simulation clock used for order submission timestamps.
func (b *SimBroker) SetNow(t time.Time) { b.now = t }

// UpdateMarketFromBar refreshes the last trade/quote/mid state for a symbol.
func (b *SimBroker) UpdateMarketFromBar(bar domain.Bar) {
	b.lastBar[bar.Symbol] = bar
	b.mid[bar.Symbol] = bar.Close
}

// LoadBars seeds historical bars served by GetBars (sorted by timestamp).
func (b *SimBroker) LoadBars(symbol string, bars []domain.Bar) {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	b.history[symbol] = sorted
}

// Cash returns the current cash balance.
func (b *SimBroker) Cash() float64 { return b.cash }

// Friction returns the friction parameters the simulation was built with.
func (b *SimBroker) Friction() domain.Friction { return b.friction }

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetBars returns loaded historical bars within [start, end].
func (b *SimBroker) GetBars(_ context.Context, symbol string, _ Timeframe, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, bar := range b.history[symbol] {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// GetLastTrade synthesizes a last-trade print from the most recent bar.
func (b *SimBroker) GetLastTrade(_ context.Context, symbol string) (domain.Trade, error) {
	bar, ok := b.lastBar[symbol]
	if !ok {
		return domain.Trade{}, fmt.Errorf("sim: no market data for %s", symbol)
	}
	return domain.Trade{
		Symbol:    symbol,
		Timestamp: bar.Timestamp,
		Price:     bar.Close,
		Size:      bar.Volume,
	}, nil
}

// GetLastQuote synthesizes a quote from the most recent bar using the
// friction spread model.
func (b *SimBroker) GetLastQuote(_ context.Context, symbol string) (domain.Quote, error) {
	bar, ok := b.lastBar[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("sim: no market data for %s", symbol)
	}
	return SyntheticQuote(bar, b.friction), nil
}

// ---------------------------------------------------------------------------
// Order lifecycle
// ---------------------------------------------------------------------------

// SubmitOrder records a new order and adds it to the open set. It performs
// no buying-power validation; admission control happens upstream in the
// risk engine.
func (b *SimBroker) SubmitOrder(_ context.Context, req OrderRequest) (*domain.Order, error) {
	if req.Type == domain.OrderTypeLimit && req.LimitPrice == nil {
		return nil, fmt.Errorf("sim: limit order for %s without limit price", req.Symbol)
	}
	b.orderSeq++
	o := &domain.Order{
		ID:          fmt.Sprintf("SIM-%08d", b.orderSeq),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		Status:      domain.OrderStatusNew,
		SubmittedAt: b.now,
	}
	b.orders[o.ID] = o
	b.openIDs[o.ID] = struct{}{}
	return copyOrder(o), nil
}

// CancelOrder marks an open order canceled. Unknown or already-terminal ids
// are no-ops.
func (b *SimBroker) CancelOrder(_ context.Context, orderID string) error {
	o, ok := b.orders[orderID]
	if !ok || o.Status.Terminal() {
		return nil
	}
	o.Status = domain.OrderStatusCanceled
	delete(b.openIDs, orderID)
	return nil
}

// GetOrder fetches an order by ID.
func (b *SimBroker) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

// ListOrders returns orders matching the filter, in submission order.
func (b *SimBroker) ListOrders(_ context.Context, filter StatusFilter) ([]*domain.Order, error) {
	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids) // SIM-%08d ids sort chronologically

	var out []*domain.Order
	for _, id := range ids {
		o := b.orders[id]
		_, open := b.openIDs[id]
		switch filter {
		case StatusFilterOpen:
			if !open {
				continue
			}
		case StatusFilterClosed:
			if open {
				continue
			}
		}
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// OpenOrders returns the working orders (convenience for the replay runner).
func (b *SimBroker) OpenOrders() []*domain.Order {
	out, _ := b.ListOrders(context.Background(), StatusFilterOpen)
	return out
}

// ---------------------------------------------------------------------------
// Fills and accounting
// ---------------------------------------------------------------------------

// ApplyFill applies a (partial) fill to an order and updates cash and
// positions. The fill decision itself is made by the replay runner using the
// friction primitives; this method only does the accounting.
func (b *SimBroker) ApplyFill(orderID string, fillQty, fillPrice, fee float64) (*domain.Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}

	prevFilled := o.FilledQty
	o.FilledQty = prevFilled + fillQty

	if o.FilledAvgPrice == nil {
		px := fillPrice
		o.FilledAvgPrice = &px
	} else {
		// Running volume-weighted average across fills.
		avg := (*o.FilledAvgPrice*prevFilled + fillPrice*fillQty) / o.FilledQty
		o.FilledAvgPrice = &avg
	}

	if o.FilledQty+fillEpsilon >= o.Qty {
		o.Status = domain.OrderStatusFilled
		delete(b.openIDs, orderID)
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}

	notional := fillQty * fillPrice
	if o.Side == domain.OrderSideBuy {
		b.cash -= notional + fee
		pos, held := b.positions[o.Symbol]
		if !held {
			pos = &domain.Position{Symbol: o.Symbol}
			b.positions[o.Symbol] = pos
		}
		newQty := pos.Qty + fillQty
		if newQty <= 0 {
			delete(b.positions, o.Symbol)
		} else {
			// Volume-weighted average entry over the accumulated quantity.
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + notional) / newQty
			pos.Qty = newQty
		}
	} else {
		b.cash += notional - fee
		if pos, held := b.positions[o.Symbol]; held {
			pos.Qty -= fillQty
			// Average entry of the remainder is unchanged on reduction.
			if pos.Qty <= 0 {
				delete(b.positions, o.Symbol)
			}
		}
	}

	return copyOrder(o), nil
}

// GetPosition returns the position for a symbol, or ErrNotFound.
func (b *SimBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	pos, ok := b.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pos
	return &cp, nil
}

// ListPositions returns all held positions, sorted by symbol.
func (b *SimBroker) ListPositions(_ context.Context) ([]domain.Position, error) {
	syms := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	out := make([]domain.Position, 0, len(syms))
	for _, sym := range syms {
		out = append(out, *b.positions[sym])
	}
	return out, nil
}

// GetAccount marks positions to the current mids (falling back to each
// position's average entry price) and returns the account snapshot.
// Buying power is approximated as equity.
func (b *SimBroker) GetAccount(_ context.Context) (*domain.Account, error) {
	// Sum in symbol order: ranging the map directly would make the float
	// total vary run to run.
	syms := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	equity := b.cash
	for _, sym := range syms {
		pos := b.positions[sym]
		px, ok := b.mid[sym]
		if !ok {
			px = pos.AvgEntryPrice
		}
		equity += pos.Qty * px
	}
	return &domain.Account{Equity: equity, Cash: b.cash, BuyingPower: equity}, nil
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		cp.LimitPrice = &lp
	}
	if o.FilledAvgPrice != nil {
		ap := *o.FilledAvgPrice
		cp.FilledAvgPrice = &ap
	}
	return &cp
}
