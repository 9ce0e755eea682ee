// Package types provides shared type definitions for the backtesting core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Frequency represents the bar frequency of a series
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// PeriodsPerYear returns the number of trading periods implied by the
// frequency, used to annualize return statistics.
func (f Frequency) PeriodsPerYear() float64 {
	switch f {
	case FrequencyWeekly:
		return 52
	case FrequencyMonthly:
		return 12
	default:
		return 252
	}
}

// Valid reports whether the frequency is one of the declared set.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Bar is one OHLCV-plus-metadata record for a symbol on one trading date.
// Bars are immutable once written for a given (symbol, date).
type Bar struct {
	Symbol       string          `json:"symbol"`
	Date         time.Time       `json:"date"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	PreClose     decimal.Decimal `json:"preclose"`
	Volume       int64           `json:"volume"`
	Amount       decimal.Decimal `json:"amount"`
	AdjustFlag   int             `json:"adjustFlag"`
	TurnoverRate float64         `json:"turnoverRate"`
	TradeStatus  int             `json:"tradeStatus"`
	PctChange    float64         `json:"pctChange"`
	IsST         bool            `json:"isST"`
}

// Order is a trade intent produced by a strategy at a bar timestamp. Exactly
// one of TargetQuantity or QuantityDelta semantics applies: Quantity is the
// signed size of the requested change (positive for buy, interpreted with
// Side).
type Order struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Created  time.Time       `json:"created"`
}

// Fill is an executed order: price includes the slippage adjustment and cost
// is notional multiplied by the transaction cost rate. Synthetic marks the
// forced liquidation fills recorded while closing out a finished run.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// RejectedOrder records an order the engine refused to execute, with the
// reason. Rejections are recoverable; the run continues.
type RejectedOrder struct {
	Order  Order     `json:"order"`
	Reason string    `json:"reason"`
	Date   time.Time `json:"date"`
}

// Position is the running holding for one symbol within a run, mutated only
// by fills.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// EquityPoint is one mark-to-market snapshot, recorded after each simulated
// bar using that bar's close price.
type EquityPoint struct {
	Date          time.Time       `json:"date"`
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdingsValue"`
	TotalEquity   decimal.Decimal `json:"totalEquity"`
}

// ParameterSet is one point in a declared search space. Iteration order is
// not defined; the optimizer keeps its own stable ordering of names.
type ParameterSet map[string]float64

// Clone returns an independent copy of the parameter set.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
