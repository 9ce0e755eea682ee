package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/pkg/types"
)

// roundTrip pairs a completed exit against FIFO-matched entry lots.
type roundTrip struct {
	profit decimal.Decimal
}

// Evaluate computes the performance statistics for a completed run. Returns
// and ratios are derived from the per-bar equity curve; win rate comes from
// FIFO round trips over the fill stream. Synthetic liquidation fills close
// round trips but are excluded from the trade count.
func Evaluate(result *Result) types.PerformanceReport {
	report := types.PerformanceReport{
		FinalEquity: result.FinalEquity,
	}

	curve := result.EquityCurve
	if len(curve) == 0 || result.Config.InitialCash.IsZero() {
		return report
	}

	initial := result.Config.InitialCash
	report.TotalReturn = result.FinalEquity.Sub(initial).Div(initial).InexactFloat64()

	periods := result.Config.Frequency.PeriodsPerYear()
	years := float64(len(curve)) / periods
	if years > 0 {
		report.AnnualizedReturn = math.Pow(1+report.TotalReturn, 1/years) - 1
	}

	report.MaxDrawdown = maxDrawdown(curve)

	returns := periodReturns(curve, initial)
	mean, stdev := meanStdev(returns)
	report.Volatility = stdev * math.Sqrt(periods)
	if stdev > 0 {
		report.AnnualizedSharpe = mean / stdev * math.Sqrt(periods)
	}
	if down := downsideStdev(returns); down > 0 {
		report.SortinoRatio = mean / down * math.Sqrt(periods)
	}

	trips := matchRoundTrips(result.Fills)
	report.RoundTrips = len(trips)
	wins := 0
	for _, trip := range trips {
		if trip.profit.IsPositive() {
			wins++
		}
	}
	if len(trips) > 0 {
		report.WinRate = float64(wins) / float64(len(trips))
	}

	for _, fill := range result.Fills {
		if !fill.Synthetic {
			report.TradeCount++
		}
	}

	return report
}

// periodReturns converts the equity curve into simple per-bar returns, using
// the initial cash as the base for the first bar.
func periodReturns(curve []types.EquityPoint, initial decimal.Decimal) []float64 {
	returns := make([]float64, 0, len(curve))
	prev := initial
	for _, point := range curve {
		if prev.IsZero() {
			returns = append(returns, 0)
		} else {
			returns = append(returns, point.TotalEquity.Sub(prev).Div(prev).InexactFloat64())
		}
		prev = point.TotalEquity
	}
	return returns
}

// maxDrawdown is the largest peak-to-trough equity decline, as a positive
// fraction of the running peak.
func maxDrawdown(curve []types.EquityPoint) float64 {
	peak := curve[0].TotalEquity
	worst := 0.0
	for _, point := range curve {
		if point.TotalEquity.GreaterThan(peak) {
			peak = point.TotalEquity
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(point.TotalEquity).Div(peak).InexactFloat64()
		if dd > worst {
			worst = dd
		}
	}
	return worst
}

func meanStdev(values []float64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(values)-1))
}

// downsideStdev is the standard deviation of negative returns only, used by
// the Sortino ratio.
func downsideStdev(values []float64) float64 {
	var sumSq float64
	n := 0
	for _, v := range values {
		if v < 0 {
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}

// lot is an open FIFO entry awaiting matching exits.
type lot struct {
	quantity decimal.Decimal
	price    decimal.Decimal
}

// matchRoundTrips pairs sells against buys per symbol in FIFO order. Each
// sell produces one round trip whose profit is the exit proceeds minus the
// matched entry cost, with both fills' transaction costs allocated pro rata.
func matchRoundTrips(fills []types.Fill) []roundTrip {
	open := make(map[string][]*lot)
	var trips []roundTrip

	for _, fill := range fills {
		switch fill.Side {
		case types.SideBuy:
			// Spread the buy cost into the effective entry price.
			price := fill.Price
			if !fill.Quantity.IsZero() {
				price = price.Add(fill.Cost.Div(fill.Quantity))
			}
			open[fill.Symbol] = append(open[fill.Symbol], &lot{quantity: fill.Quantity, price: price})

		case types.SideSell:
			remaining := fill.Quantity
			exitPrice := fill.Price
			if !fill.Quantity.IsZero() {
				exitPrice = exitPrice.Sub(fill.Cost.Div(fill.Quantity))
			}
			profit := decimal.Zero
			matched := decimal.Zero
			lots := open[fill.Symbol]
			for len(lots) > 0 && remaining.IsPositive() {
				head := lots[0]
				take := decimal.Min(head.quantity, remaining)
				profit = profit.Add(exitPrice.Sub(head.price).Mul(take))
				matched = matched.Add(take)
				head.quantity = head.quantity.Sub(take)
				remaining = remaining.Sub(take)
				if head.quantity.IsZero() {
					lots = lots[1:]
				}
			}
			open[fill.Symbol] = lots
			if matched.IsPositive() {
				trips = append(trips, roundTrip{profit: profit})
			}
		}
	}
	return trips
}
