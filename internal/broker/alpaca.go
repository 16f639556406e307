package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"scalper/internal/domain"
	"scalper/internal/util"
)

// Compile-time interface check.
var _ BrokerAPI = (*AlpacaBroker)(nil)

// AlpacaBroker implements BrokerAPI against the Alpaca trading and
// market-data APIs. Market-data queries go through a token-bucket rate
// limiter: the risk engine hits GetLastTrade/GetLastQuote on every sizing
// decision and Alpaca enforces a per-minute request budget.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    marketdata.Feed
	limiter *util.RateLimiter
}

// AlpacaOpts configures the live adapter.
type AlpacaOpts struct {
	APIKey          string
	APISecret       string
	BaseURL         string // trading API endpoint (paper or live)
	DataURL         string
	Feed            string // "iex" or "sip"
	RateLimitPerMin int
}

// NewAlpacaBroker creates an AlpacaBroker from the given options.
func NewAlpacaBroker(opts AlpacaOpts) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	feed := marketdata.Feed(opts.Feed)
	if feed == "" {
		feed = marketdata.IEX
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:    marketdata.NewClient(dataOpts),
		feed:    feed,
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// TradingClient exposes the underlying client for stream setup by the
// runner (trade updates are delivered over the SDK's update stream, not
// through this adapter).
func (b *AlpacaBroker) TradingClient() *alpaca.Client { return b.trading }

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetBars fetches historical bars for the symbol within [start, end].
func (b *AlpacaBroker) GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timeframe := marketdata.OneMin
	if tf == TimeframeDay {
		timeframe = marketdata.OneDay
	}

	raw, err := b.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: timeframe,
		Start:     start,
		End:       end,
		Feed:      b.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    float64(ab.Volume),
		})
	}
	return bars, nil
}

// GetLastTrade returns the latest trade print.
func (b *AlpacaBroker) GetLastTrade(ctx context.Context, symbol string) (domain.Trade, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Trade{}, err
	}
	t, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: b.feed})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("GetLatestTrade %s: %w", symbol, err)
	}
	return domain.Trade{
		Symbol:    symbol,
		Timestamp: t.Timestamp,
		Price:     t.Price,
		Size:      float64(t.Size),
	}, nil
}

// GetLastQuote returns the latest top-of-book quote.
func (b *AlpacaBroker) GetLastQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{Feed: b.feed})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("GetLatestQuote %s: %w", symbol, err)
	}
	return domain.Quote{
		Symbol:    symbol,
		Timestamp: q.Timestamp,
		BidPrice:  q.BidPrice,
		AskPrice:  q.AskPrice,
		BidSize:   float64(q.BidSize),
		AskSize:   float64(q.AskSize),
	}, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder places an order with the Alpaca trading API.
func (b *AlpacaBroker) SubmitOrder(_ context.Context, req OrderRequest) (*domain.Order, error) {
	qty := decimal.NewFromFloat(req.Qty)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(req.Side),
		Type:        alpaca.OrderType(req.Type),
		TimeInForce: alpaca.TimeInForce(req.TimeInForce),
	}
	if req.LimitPrice != nil {
		lp := decimal.NewFromFloat(*req.LimitPrice)
		placeReq.LimitPrice = &lp
	}

	o, err := b.trading.PlaceOrder(placeReq)
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder %s %s: %w", req.Side, req.Symbol, err)
	}
	return toDomainOrder(o), nil
}

// CancelOrder cancels an open order.
func (b *AlpacaBroker) CancelOrder(_ context.Context, orderID string) error {
	if err := b.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches an order by ID.
func (b *AlpacaBroker) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	o, err := b.trading.GetOrder(orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetOrder %s: %w", orderID, err)
	}
	return toDomainOrder(o), nil
}

// ListOrders returns orders matching the status filter.
func (b *AlpacaBroker) ListOrders(_ context.Context, filter StatusFilter) ([]*domain.Order, error) {
	status := string(filter)
	if status == "" {
		status = "all"
	}
	raw, err := b.trading.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("GetOrders(%s): %w", status, err)
	}
	out := make([]*domain.Order, 0, len(raw))
	for i := range raw {
		out = append(out, toDomainOrder(&raw[i]))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Portfolio / account
// ---------------------------------------------------------------------------

// GetPosition returns the position for a symbol, mapping the API's 404 to
// ErrNotFound.
func (b *AlpacaBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	p, err := b.trading.GetPosition(symbol)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetPosition %s: %w", symbol, err)
	}
	return toDomainPosition(p), nil
}

// ListPositions returns all currently held positions.
func (b *AlpacaBroker) ListPositions(_ context.Context) ([]domain.Position, error) {
	raw, err := b.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("GetPositions: %w", err)
	}
	out := make([]domain.Position, 0, len(raw))
	for i := range raw {
		out = append(out, *toDomainPosition(&raw[i]))
	}
	return out, nil
}

// GetAccount returns the account snapshot.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.Account, error) {
	a, err := b.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return &domain.Account{
		Equity:      a.Equity.InexactFloat64(),
		Cash:        a.Cash.InexactFloat64(),
		BuyingPower: a.BuyingPower.InexactFloat64(),
	}, nil
}

// IsMarketOpen queries the trading clock.
func (b *AlpacaBroker) IsMarketOpen() (bool, error) {
	clock, err := b.trading.GetClock()
	if err != nil {
		return false, fmt.Errorf("GetClock: %w", err)
	}
	return clock.IsOpen, nil
}

// ---------------------------------------------------------------------------
// SDK type conversion
// ---------------------------------------------------------------------------

// toDomainOrder converts an Alpaca SDK order to the domain shape. Quantities
// and prices cross the decimal/float boundary here and nowhere else.
func toDomainOrder(o *alpaca.Order) *domain.Order {
	out := &domain.Order{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Side:        domain.OrderSide(o.Side),
		Type:        domain.OrderType(o.Type),
		TimeInForce: domain.TimeInForce(o.TimeInForce),
		Status:      mapOrderStatus(o.Status),
		SubmittedAt: o.SubmittedAt,
		FilledQty:   o.FilledQty.InexactFloat64(),
	}
	if o.Qty != nil {
		out.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		lp := o.LimitPrice.InexactFloat64()
		out.LimitPrice = &lp
	}
	if o.FilledAvgPrice != nil {
		ap := o.FilledAvgPrice.InexactFloat64()
		out.FilledAvgPrice = &ap
	}
	return out
}

func toDomainPosition(p *alpaca.Position) *domain.Position {
	return &domain.Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty.InexactFloat64(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
}

// mapOrderStatus folds Alpaca's pre-acknowledgement statuses into "new"; the
// five lifecycle statuses pass through unchanged.
func mapOrderStatus(status string) domain.OrderStatus {
	switch status {
	case "accepted", "pending_new", "accepted_for_bidding", "calculated":
		return domain.OrderStatusNew
	default:
		return domain.OrderStatus(status)
	}
}

// TradeUpdateToEvent converts an SDK trade-update into the domain event kind
// and order snapshot consumed by the lifecycle. The second return value is
// false for event kinds the lifecycle does not handle (e.g. "new",
// "replaced").
func TradeUpdateToEvent(tu alpaca.TradeUpdate) (domain.OrderEvent, *domain.Order, bool) {
	switch tu.Event {
	case "fill", "partial_fill", "canceled", "rejected":
		return domain.OrderEvent(tu.Event), toDomainOrder(&tu.Order), true
	default:
		return "", nil, false
	}
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
