package backtester

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/pkg/types"
)

func curveResult(initial float64, equities ...float64) *Result {
	cfg := testConfig()
	cfg.InitialCash = decimal.NewFromFloat(initial)
	result := &Result{Config: cfg}
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, eq := range equities {
		d := decimal.NewFromFloat(eq)
		result.EquityCurve = append(result.EquityCurve, types.EquityPoint{
			Date:        start.AddDate(0, 0, i),
			Cash:        d,
			TotalEquity: d,
		})
	}
	result.FinalEquity = decimal.NewFromFloat(equities[len(equities)-1])
	result.FinalCash = result.FinalEquity
	return result
}

func TestMaxDrawdownUsesRunningPeak(t *testing.T) {
	// Peak 1200, trough 900: drawdown 25%.
	result := curveResult(1000, 1000, 1200, 900, 1100)
	report := Evaluate(result)
	if diff := math.Abs(report.MaxDrawdown - 0.25); diff > 1e-12 {
		t.Fatalf("expected max drawdown 0.25, got %v", report.MaxDrawdown)
	}
}

func TestFlatCurveHasZeroSharpe(t *testing.T) {
	result := curveResult(1000, 1000, 1000, 1000, 1000)
	report := Evaluate(result)
	if report.AnnualizedSharpe != 0 {
		t.Fatalf("expected zero sharpe for flat curve, got %v", report.AnnualizedSharpe)
	}
	if report.Volatility != 0 {
		t.Fatalf("expected zero volatility, got %v", report.Volatility)
	}
	if report.TotalReturn != 0 {
		t.Fatalf("expected zero return, got %v", report.TotalReturn)
	}
}

func TestEmptyCurveReportIsZeroValued(t *testing.T) {
	report := Evaluate(&Result{Config: testConfig()})
	if report.TotalReturn != 0 || report.AnnualizedSharpe != 0 || report.MaxDrawdown != 0 {
		t.Fatalf("expected zero report, got %+v", report)
	}
}

func TestWinRateFromFIFORoundTrips(t *testing.T) {
	result := curveResult(1000, 1000, 1100)
	ts := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	mk := func(side types.Side, qty, price float64, synthetic bool) types.Fill {
		return types.Fill{
			ID:        "f",
			Timestamp: ts,
			Symbol:    "sh.600000",
			Side:      side,
			Quantity:  decimal.NewFromFloat(qty),
			Price:     decimal.NewFromFloat(price),
			Cost:      decimal.Zero,
			Synthetic: synthetic,
		}
	}
	result.Fills = []types.Fill{
		mk(types.SideBuy, 100, 10, false),  // lot A
		mk(types.SideBuy, 100, 12, false),  // lot B
		mk(types.SideSell, 100, 11, false), // closes A at +100: win
		mk(types.SideSell, 100, 11, true),  // closes B at -100: loss, synthetic exit
	}

	report := Evaluate(result)
	if report.RoundTrips != 2 {
		t.Fatalf("expected 2 round trips, got %d", report.RoundTrips)
	}
	if report.WinRate != 0.5 {
		t.Fatalf("expected win rate 0.5, got %v", report.WinRate)
	}
	// Synthetic fills are excluded from the trade count.
	if report.TradeCount != 3 {
		t.Fatalf("expected 3 trades, got %d", report.TradeCount)
	}
}

func TestSellSpanningMultipleLots(t *testing.T) {
	result := curveResult(1000, 1000, 1100)
	ts := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	result.Fills = []types.Fill{
		{ID: "b1", Timestamp: ts, Symbol: "s", Side: types.SideBuy, Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(10)},
		{ID: "b2", Timestamp: ts, Symbol: "s", Side: types.SideBuy, Quantity: decimal.NewFromInt(50), Price: decimal.NewFromInt(20)},
		{ID: "s1", Timestamp: ts, Symbol: "s", Side: types.SideSell, Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(14)},
	}

	trips := matchRoundTrips(result.Fills)
	if len(trips) != 1 {
		t.Fatalf("expected 1 round trip, got %d", len(trips))
	}
	// (14-10)*50 + (14-20)*50 = 200 - 300 = -100.
	if want := decimal.NewFromInt(-100); !trips[0].profit.Equal(want) {
		t.Fatalf("expected profit %s, got %s", want, trips[0].profit)
	}
}

func TestAnnualizedReturnScalesWithFrequency(t *testing.T) {
	// 252 daily bars with a 10% total return annualize to exactly 10%.
	equities := make([]float64, 252)
	for i := range equities {
		equities[i] = 1000 + float64(i+1)*100.0/252.0
	}
	equities[251] = 1100
	result := curveResult(1000, equities...)
	report := Evaluate(result)
	if diff := math.Abs(report.AnnualizedReturn - 0.10); diff > 1e-9 {
		t.Fatalf("expected annualized return 0.10, got %v", report.AnnualizedReturn)
	}
}
