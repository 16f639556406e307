// Package broker defines the BrokerAPI surface consumed by the trading
// engine and provides two implementations: a live Alpaca adapter and a
// deterministic in-memory simulator for backtests.
package broker

import (
	"context"
	"errors"
	"time"

	"scalper/internal/domain"
)

// Timeframe identifies a bar aggregation period.
type Timeframe string

const (
	TimeframeMinute Timeframe = "1Min"
	TimeframeDay    Timeframe = "1Day"
)

// StatusFilter narrows ListOrders results.
type StatusFilter string

const (
	StatusFilterAll    StatusFilter = ""
	StatusFilterOpen   StatusFilter = "open"
	StatusFilterClosed StatusFilter = "closed"
)

// ErrNotFound is returned by GetPosition and GetOrder when the broker holds
// no matching record.
var ErrNotFound = errors.New("broker: not found")

// OrderRequest carries the parameters of a new order submission.
type OrderRequest struct {
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Qty         float64
	TimeInForce domain.TimeInForce
	LimitPrice  *float64 // required for limit orders
}

// BrokerAPI abstracts the brokerage operations used by the order lifecycle
// and the risk engine. It is implemented by the live Alpaca adapter and by
// the simulator, so the same engine code runs in both modes.
type BrokerAPI interface {
	// Name returns the broker identifier (e.g. "alpaca", "sim").
	Name() string

	// GetBars returns historical bars for the symbol within [start, end].
	GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]domain.Bar, error)

	// GetLastTrade returns the most recent trade print for the symbol.
	GetLastTrade(ctx context.Context, symbol string) (domain.Trade, error)

	// GetLastQuote returns the most recent top-of-book quote for the symbol.
	GetLastQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// SubmitOrder sends a new order and returns the broker's order record.
	SubmitOrder(ctx context.Context, req OrderRequest) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder fetches an order by ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// ListOrders returns orders matching the given status filter.
	ListOrders(ctx context.Context, filter StatusFilter) ([]*domain.Order, error)

	// GetPosition returns the current position for the symbol, or ErrNotFound.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all currently held positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial state.
	GetAccount(ctx context.Context) (*domain.Account, error)
}
