package replay

import (
	"math"
	"sort"

	"scalper/internal/domain"
)

// Metric computations are pure functions over trade records and equity
// series, so they apply equally to backtests and recorded live sessions.

// HitRate is the fraction of trades with positive net profit.
func HitRate(trades []domain.TradeRecord) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.NetPnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// AvgWinLoss returns the average winning and average losing trade. The loss
// average is negative; breakeven trades count toward neither.
func AvgWinLoss(trades []domain.TradeRecord) (avgWin, avgLoss float64) {
	var winSum, lossSum float64
	var wins, losses int
	for _, t := range trades {
		switch {
		case t.NetPnL > 0:
			winSum += t.NetPnL
			wins++
		case t.NetPnL < 0:
			lossSum += t.NetPnL
			losses++
		}
	}
	if wins > 0 {
		avgWin = winSum / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossSum / float64(losses)
	}
	return avgWin, avgLoss
}

// Expectancy is the expected net profit per trade:
// hit_rate*avg_win + (1-hit_rate)*avg_loss.
func Expectancy(trades []domain.TradeRecord) float64 {
	if len(trades) == 0 {
		return 0
	}
	hr := HitRate(trades)
	aw, al := AvgWinLoss(trades)
	return hr*aw + (1.0-hr)*al
}

// WorstTrade is the most negative net profit, or 0 with no trades.
func WorstTrade(trades []domain.TradeRecord) float64 {
	worst := 0.0
	for i, t := range trades {
		if i == 0 || t.NetPnL < worst {
			worst = t.NetPnL
		}
	}
	return worst
}

// MaxDrawdown is the largest peak-to-trough equity decline, in dollars.
func MaxDrawdown(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity
	maxDD := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := peak - p.Equity; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// TimeInTradeStats summarizes holding durations in seconds.
type TimeInTradeStats struct {
	MeanSeconds   float64 `json:"mean"`
	MedianSeconds float64 `json:"median"`
	P95Seconds    float64 `json:"p95"`
}

// TimeInTrade returns mean/median/p95 of the holding durations.
func TimeInTrade(trades []domain.TradeRecord) TimeInTradeStats {
	if len(trades) == 0 {
		return TimeInTradeStats{}
	}
	xs := make([]float64, 0, len(trades))
	for _, t := range trades {
		xs = append(xs, t.TimeInTrade().Seconds())
	}
	sort.Float64s(xs)

	sum := 0.0
	for _, x := range xs {
		sum += x
	}

	p95Idx := int(math.Ceil(0.95*float64(len(xs)))) - 1
	if p95Idx < 0 {
		p95Idx = 0
	}
	if p95Idx > len(xs)-1 {
		p95Idx = len(xs) - 1
	}

	return TimeInTradeStats{
		MeanSeconds:   sum / float64(len(xs)),
		MedianSeconds: xs[len(xs)/2],
		P95Seconds:    xs[p95Idx],
	}
}

// Summary aggregates the run metrics for reporting.
type Summary struct {
	Count       int              `json:"count"`
	HitRate     float64          `json:"hit_rate"`
	AvgWin      float64          `json:"avg_win"`
	AvgLoss     float64          `json:"avg_loss"`
	Expectancy  float64          `json:"expectancy"`
	TotalPnL    float64          `json:"total_pnl"`
	TotalFees   float64          `json:"total_fees"`
	WorstTrade  float64          `json:"worst_trade"`
	MaxDrawdown float64          `json:"max_drawdown"`
	FinalEquity float64          `json:"final_equity"`
	Killed      bool             `json:"killed"`
	TimeInTrade TimeInTradeStats `json:"time_in_trade"`
}

// Summarize computes the full metric summary for a run.
func Summarize(res *Result) Summary {
	aw, al := AvgWinLoss(res.Trades)
	var pnl, fees float64
	for _, t := range res.Trades {
		pnl += t.NetPnL
		fees += t.Fees
	}
	return Summary{
		Count:       len(res.Trades),
		HitRate:     HitRate(res.Trades),
		AvgWin:      aw,
		AvgLoss:     al,
		Expectancy:  Expectancy(res.Trades),
		TotalPnL:    pnl,
		TotalFees:   fees,
		WorstTrade:  WorstTrade(res.Trades),
		MaxDrawdown: MaxDrawdown(res.EquityCurve),
		FinalEquity: res.FinalEquity,
		Killed:      res.Killed,
		TimeInTrade: TimeInTrade(res.Trades),
	}
}
