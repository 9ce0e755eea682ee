// Package types provides configuration and result types for backtest runs.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig is the immutable per-run configuration.
type BacktestConfig struct {
	Symbol              string          `json:"symbol"`
	InitialCash         decimal.Decimal `json:"initialCash"`
	StartDate           time.Time       `json:"startDate"`
	EndDate             time.Time       `json:"endDate"`
	Frequency           Frequency       `json:"frequency"`
	TransactionCostRate decimal.Decimal `json:"transactionCostRate"`
	SlippageRate        decimal.Decimal `json:"slippageRate"`
}

// Validate checks the configuration invariants shared by every run. A
// non-nil error here is fatal and must be surfaced before any run starts.
func (c *BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if !c.InitialCash.IsPositive() {
		return fmt.Errorf("config: initial_cash must be > 0, got %s", c.InitialCash)
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("config: start_date and end_date are required")
	}
	if !c.StartDate.Before(c.EndDate) {
		return fmt.Errorf("config: start_date %s must be before end_date %s",
			c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	if !c.Frequency.Valid() {
		return fmt.Errorf("config: unknown frequency %q", c.Frequency)
	}
	if c.TransactionCostRate.IsNegative() {
		return fmt.Errorf("config: transaction_cost must be >= 0, got %s", c.TransactionCostRate)
	}
	if c.SlippageRate.IsNegative() {
		return fmt.Errorf("config: slippage must be >= 0, got %s", c.SlippageRate)
	}
	return nil
}

// PerformanceReport holds the metrics derived from one completed run.
type PerformanceReport struct {
	ParameterSet     ParameterSet    `json:"parameterSet,omitempty"`
	TotalReturn      float64         `json:"totalReturn"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	AnnualizedSharpe float64         `json:"annualizedSharpe"`
	SortinoRatio     float64         `json:"sortinoRatio"`
	Volatility       float64         `json:"volatility"`
	MaxDrawdown      float64         `json:"maxDrawdown"`
	WinRate          float64         `json:"winRate"`
	TradeCount       int             `json:"tradeCount"`
	RoundTrips       int             `json:"roundTrips"`
	FinalEquity      decimal.Decimal `json:"finalEquity"`
}

// Metric returns a named metric value for ranking. Unknown names return
// false.
func (r *PerformanceReport) Metric(name string) (float64, bool) {
	switch name {
	case "sharpe", "annualized_sharpe":
		return r.AnnualizedSharpe, true
	case "total_return":
		return r.TotalReturn, true
	case "annualized_return":
		return r.AnnualizedReturn, true
	case "sortino":
		return r.SortinoRatio, true
	case "max_drawdown":
		return -r.MaxDrawdown, true
	case "win_rate":
		return r.WinRate, true
	default:
		return 0, false
	}
}
