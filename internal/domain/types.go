// Package domain defines the value objects shared across the trading system:
// market data samples, orders, positions, account snapshots, and the risk and
// backtest records built from them.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType distinguishes market from limit orders. No other order types are
// supported.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// OrderStatus is the lifecycle status of an order. New orders start at
// OrderStatusNew and end at exactly one of the terminal statuses.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final (no further updates expected).
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

// OrderEvent is the kind of an order-update event delivered to a lifecycle.
// The values match the Alpaca trade-update stream event names.
type OrderEvent string

const (
	OrderEventFill        OrderEvent = "fill"
	OrderEventPartialFill OrderEvent = "partial_fill"
	OrderEventCanceled    OrderEvent = "canceled"
	OrderEventRejected    OrderEvent = "rejected"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a timestamped OHLCV sample. Timestamps are timezone-aware (UTC
// internally; converted at display boundaries).
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Quote is a top-of-book snapshot, real or synthesized from a bar.
type Quote struct {
	Symbol    string
	Timestamp time.Time
	BidPrice  float64
	AskPrice  float64
	BidSize   float64
	AskSize   float64
}

// Trade is a last-trade print.
type Trade struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      float64
}

// ---------------------------------------------------------------------------
// Brokerage
// ---------------------------------------------------------------------------

// Order is a brokerage order. FilledQty never exceeds Qty; LimitPrice and
// FilledAvgPrice are nil when not applicable.
type Order struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	Qty            float64
	LimitPrice     *float64
	Status         OrderStatus
	SubmittedAt    time.Time
	FilledQty      float64
	FilledAvgPrice *float64
}

// Position is a signed net holding for a symbol. A position is removed, not
// zeroed, when its quantity reaches zero.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
}

// Account is a point-in-time portfolio snapshot.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// ---------------------------------------------------------------------------
// Risk and backtest records
// ---------------------------------------------------------------------------

// RiskDecision is the result of an admission-control query. Qty is only
// meaningful when OK is true.
type RiskDecision struct {
	OK     bool
	Reason string
	Qty    int
}

// Friction holds the backtest realism parameters: spread and fee models,
// partial-fill capacity, and order activation latency.
type Friction struct {
	SpreadBps             float64 `yaml:"spread_bps" json:"spread_bps"`
	SpreadCentsMin        float64 `yaml:"spread_cents_min" json:"spread_cents_min"`
	CommissionPerShare    float64 `yaml:"commission_per_share" json:"commission_per_share"`
	NotionalFeeRate       float64 `yaml:"notional_fee_rate" json:"notional_fee_rate"`
	ParticipationRate     float64 `yaml:"participation_rate" json:"participation_rate"`
	ActivationLatencyBars int     `yaml:"activation_latency_bars" json:"activation_latency_bars"`
}

// TradeRecord is one completed round trip (entry fill to exit fill), the unit
// over which backtest metrics are computed.
type TradeRecord struct {
	Symbol     string
	EntryTime  time.Time
	ExitTime   time.Time
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	Fees       float64
	NetPnL     float64
}

// TimeInTrade returns the holding duration of the round trip.
func (t TradeRecord) TimeInTrade() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// EquityPoint is one sample of the portfolio equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
	Cash      float64
}
