// Package backtester provides the bar-driven simulation engine: it replays a
// historical bar series through a strategy, executes the resulting orders
// with slippage and transaction costs, and records the equity curve.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

// ErrInsufficientData is returned when the requested window holds no bars.
var ErrInsufficientData = errors.New("backtester: insufficient data for requested range")

// State is the lifecycle phase of a run.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateLiquidating State = "liquidating"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Progress reports simulation advancement to an optional observer.
type Progress struct {
	State       State           `json:"state"`
	BarsTotal   int             `json:"barsTotal"`
	BarsDone    int             `json:"barsDone"`
	CurrentDate time.Time       `json:"currentDate"`
	TotalEquity decimal.Decimal `json:"totalEquity"`
}

// Result is the full outcome of one simulated run.
type Result struct {
	Config         types.BacktestConfig  `json:"config"`
	State          State                 `json:"state"`
	Fills          []types.Fill          `json:"fills"`
	RejectedOrders []types.RejectedOrder `json:"rejectedOrders"`
	EquityCurve    []types.EquityPoint   `json:"equityCurve"`
	FinalCash      decimal.Decimal       `json:"finalCash"`
	FinalEquity    decimal.Decimal       `json:"finalEquity"`
	StartedAt      time.Time             `json:"startedAt"`
	FinishedAt     time.Time             `json:"finishedAt"`
}

// Validate re-derives the final cash balance from the fill stream and checks
// it against the recorded value. A mismatch means the accounting drifted.
func (r *Result) Validate() error {
	cash := r.Config.InitialCash
	for _, fill := range r.Fills {
		notional := fill.Price.Mul(fill.Quantity)
		switch fill.Side {
		case types.SideBuy:
			cash = cash.Sub(notional).Sub(fill.Cost)
		case types.SideSell:
			cash = cash.Add(notional).Sub(fill.Cost)
		}
	}
	if !cash.Equal(r.FinalCash) {
		return fmt.Errorf("backtester: cash replay %s does not match recorded %s", cash, r.FinalCash)
	}
	return nil
}

// Engine replays one bar series through one strategy instance. An Engine is
// single-use; build a fresh one per run.
type Engine struct {
	logger     *zap.Logger
	config     types.BacktestConfig
	strat      strategy.Strategy
	state      State
	onProgress func(Progress)
}

// Option customizes engine construction.
type Option func(*Engine)

// WithProgress installs a progress observer invoked after each simulated bar.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// NewEngine creates an engine for one configured run.
func NewEngine(logger *zap.Logger, config types.BacktestConfig, strat strategy.Strategy, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, errors.New("backtester: nil strategy")
	}
	e := &Engine{
		logger: logger,
		config: config,
		strat:  strat,
		state:  StateInitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State { return e.state }

// Run simulates the strategy over bars. Orders emitted while processing bar
// i execute at bar i+1's open; orders from the final bar fill at that same
// bar's open during liquidation, since no later bar exists. Cancellation is
// honored at bar boundaries only.
func (e *Engine) Run(ctx context.Context, bars []types.Bar) (*Result, error) {
	if e.state != StateInitialized {
		return nil, fmt.Errorf("backtester: engine already used, state %s", e.state)
	}
	if len(bars) == 0 {
		e.state = StateFailed
		return nil, ErrInsufficientData
	}

	e.state = StateRunning
	started := time.Now()

	acct := newAccount(e.config.InitialCash)
	exec := newExecutor(e.config.TransactionCostRate, e.config.SlippageRate)

	result := &Result{
		Config:    e.config,
		StartedAt: started,
	}

	var pending []types.Order
	closes := make(map[string]decimal.Decimal, 1)

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			e.state = StateFailed
			return nil, fmt.Errorf("backtester: run cancelled at bar %d: %w", i, ctx.Err())
		default:
		}

		// Orders queued at the previous bar fill at this bar's open.
		if len(pending) > 0 {
			fills, rejected := exec.execute(pending, bar, acct)
			result.Fills = append(result.Fills, fills...)
			result.RejectedOrders = append(result.RejectedOrders, rejected...)
			for _, rej := range rejected {
				e.logger.Debug("order rejected",
					zap.String("symbol", rej.Order.Symbol),
					zap.String("side", string(rej.Order.Side)),
					zap.String("reason", rej.Reason))
			}
			pending = nil
		}

		closes[bar.Symbol] = bar.Close
		equity := acct.cash.Add(acct.holdingsValue(closes))

		// The strategy sees history up to and including the current bar.
		// The full slice expression caps capacity so a strategy that
		// appends to its history cannot scribble over later bars.
		orders, err := e.strat.OnBar(bars[: i+1 : i+1], acct.snapshot(equity))
		if err != nil {
			e.state = StateFailed
			return nil, fmt.Errorf("backtester: strategy %s failed at %s: %w",
				e.strat.Name(), bar.Date.Format("2006-01-02"), err)
		}
		pending = append(pending, orders...)

		holdings := acct.holdingsValue(closes)
		result.EquityCurve = append(result.EquityCurve, types.EquityPoint{
			Date:          bar.Date,
			Cash:          acct.cash,
			HoldingsValue: holdings,
			TotalEquity:   acct.cash.Add(holdings),
		})

		if e.onProgress != nil {
			e.onProgress(Progress{
				State:       e.state,
				BarsTotal:   len(bars),
				BarsDone:    i + 1,
				CurrentDate: bar.Date,
				TotalEquity: acct.cash.Add(holdings),
			})
		}
	}

	// Orders from the last bar never had a next open. Fill them at the
	// final bar's own open so single-bar runs can still trade, then close
	// out whatever is held at the final close.
	e.state = StateLiquidating
	final := bars[len(bars)-1]
	late := 0
	if len(pending) > 0 {
		fills, rejected := exec.execute(pending, final, acct)
		result.Fills = append(result.Fills, fills...)
		result.RejectedOrders = append(result.RejectedOrders, rejected...)
		late = len(fills)
	}
	synthetic := exec.liquidate(final, acct)
	result.Fills = append(result.Fills, synthetic...)

	if late > 0 || len(synthetic) > 0 {
		last := &result.EquityCurve[len(result.EquityCurve)-1]
		last.Cash = acct.cash
		last.HoldingsValue = decimal.Zero
		last.TotalEquity = acct.cash
	}

	e.state = StateCompleted
	result.State = StateCompleted
	result.FinalCash = acct.cash
	result.FinalEquity = acct.cash
	result.FinishedAt = time.Now()

	e.logger.Info("backtest completed",
		zap.String("symbol", e.config.Symbol),
		zap.String("strategy", e.strat.Name()),
		zap.Int("bars", len(bars)),
		zap.Int("fills", len(result.Fills)),
		zap.Int("rejected", len(result.RejectedOrders)),
		zap.String("finalEquity", result.FinalEquity.String()),
		zap.Duration("elapsed", result.FinishedAt.Sub(started)))

	return result, nil
}
