// Package builtins provides reference strategy implementations.
package builtins

import (
	"fmt"

	"github.com/cinar/indicator"

	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

// SMACross is a moving-average crossover strategy: fully invest when the
// short SMA crosses above the long SMA, go flat when it crosses below.
type SMACross struct {
	shortWindow int
	longWindow  int
}

// NewSMACross creates an SMA crossover strategy with the given windows.
func NewSMACross(shortWindow, longWindow int) (*SMACross, error) {
	if shortWindow <= 0 || longWindow <= 0 {
		return nil, fmt.Errorf("builtins: sma windows must be positive, got %d/%d", shortWindow, longWindow)
	}
	if shortWindow >= longWindow {
		return nil, fmt.Errorf("builtins: short window %d must be below long window %d", shortWindow, longWindow)
	}
	return &SMACross{shortWindow: shortWindow, longWindow: longWindow}, nil
}

// Factory builds an SMACross from the parameters "ma_short" and "ma_long".
func Factory(params types.ParameterSet) (strategy.Strategy, error) {
	short, ok := params["ma_short"]
	if !ok {
		return nil, fmt.Errorf("builtins: missing parameter ma_short")
	}
	long, ok := params["ma_long"]
	if !ok {
		return nil, fmt.Errorf("builtins: missing parameter ma_long")
	}
	return NewSMACross(int(short), int(long))
}

// Name returns the strategy identifier.
func (s *SMACross) Name() string { return "sma_cross" }

// OnBar emits a buy when the short average crosses above the long average
// and a sell of the whole position on the opposite cross.
func (s *SMACross) OnBar(history []types.Bar, account strategy.Account) ([]types.Order, error) {
	if len(history) < s.longWindow+1 {
		return nil, nil
	}

	closes := make([]float64, len(history))
	for i, bar := range history {
		c, _ := bar.Close.Float64()
		closes[i] = c
	}

	shortSMA := indicator.Sma(s.shortWindow, closes)
	longSMA := indicator.Sma(s.longWindow, closes)

	last := len(closes) - 1
	crossedUp := shortSMA[last] > longSMA[last] && shortSMA[last-1] <= longSMA[last-1]
	crossedDown := shortSMA[last] < longSMA[last] && shortSMA[last-1] >= longSMA[last-1]

	bar := history[last]
	pos := account.Position(bar.Symbol)

	switch {
	case crossedUp && pos.Quantity.IsZero():
		if bar.Close.IsZero() {
			return nil, nil
		}
		qty := account.Cash.Div(bar.Close).Floor()
		if !qty.IsPositive() {
			return nil, nil
		}
		return []types.Order{{
			Symbol:   bar.Symbol,
			Side:     types.SideBuy,
			Quantity: qty,
			Created:  bar.Date,
		}}, nil

	case crossedDown && pos.Quantity.IsPositive():
		return []types.Order{{
			Symbol:   bar.Symbol,
			Side:     types.SideSell,
			Quantity: pos.Quantity,
			Created:  bar.Date,
		}}, nil
	}

	return nil, nil
}

var _ strategy.Strategy = (*SMACross)(nil)
