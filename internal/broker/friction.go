package broker

import (
	"scalper/internal/domain"
)

// Friction primitives: pure, stateless helpers that turn OHLCV bars plus
// friction parameters into synthetic quotes, fees, and fill eligibility.
// The replay runner combines them with the activation latency to produce
// deterministic fills.

// SyntheticQuote builds a top-of-book quote from a bar using a mid=close
// model. The spread is max(spread_cents_min, spread_bps * mid / 10000),
// applied symmetrically around the mid.
func SyntheticQuote(bar domain.Bar, f domain.Friction) domain.Quote {
	mid := bar.Close
	spread := f.SpreadCentsMin
	if bps := f.SpreadBps * mid / 10000.0; bps > spread {
		spread = bps
	}
	return domain.Quote{
		Symbol:    bar.Symbol,
		Timestamp: bar.Timestamp,
		BidPrice:  mid - spread/2.0,
		AskPrice:  mid + spread/2.0,
		BidSize:   bar.Volume,
		AskSize:   bar.Volume,
	}
}

// EstimateFee returns the fee for a fill: per-share commission plus a
// notional-based fee proxy.
func EstimateFee(notional, shares float64, f domain.Friction) float64 {
	return f.CommissionPerShare*shares + f.NotionalFeeRate*notional
}

// MaxFillableShares is the upper bound on shares fillable within one bar,
// used for partial-fill modeling.
func MaxFillableShares(bar domain.Bar, f domain.Friction) float64 {
	return bar.Volume * f.ParticipationRate
}

// LimitBuyMarketable reports whether a resting buy limit could fill during
// the bar. Conservative: the synthetic ask at the bar low must be at or
// below the limit.
func LimitBuyMarketable(bar domain.Bar, f domain.Friction, limitPrice float64) bool {
	q := SyntheticQuote(bar, f)
	askLow := bar.Low + (q.AskPrice-q.BidPrice)/2.0
	return askLow <= limitPrice
}

// LimitSellMarketable reports whether a resting sell limit could fill during
// the bar. Conservative: the synthetic bid at the bar high must be at or
// above the limit.
func LimitSellMarketable(bar domain.Bar, f domain.Friction, limitPrice float64) bool {
	q := SyntheticQuote(bar, f)
	bidHigh := bar.High - (q.AskPrice-q.BidPrice)/2.0
	return bidHigh >= limitPrice
}
