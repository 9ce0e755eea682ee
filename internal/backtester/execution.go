package backtester

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/pkg/types"
)

// executor matches pending orders against the next bar and produces fills.
// Buys pay the open inflated by the slippage rate, sells receive the open
// deflated by it; transaction cost is charged on the slipped notional.
type executor struct {
	costRate     decimal.Decimal
	slippageRate decimal.Decimal
}

func newExecutor(costRate, slippageRate decimal.Decimal) *executor {
	return &executor{costRate: costRate, slippageRate: slippageRate}
}

// fillPrice applies the directional slippage adjustment to the raw price.
func (x *executor) fillPrice(side types.Side, raw decimal.Decimal) decimal.Decimal {
	switch side {
	case types.SideBuy:
		return raw.Mul(decimal.NewFromInt(1).Add(x.slippageRate))
	case types.SideSell:
		return raw.Mul(decimal.NewFromInt(1).Sub(x.slippageRate))
	}
	return raw
}

// execute attempts each pending order at the bar's open against the account.
// Orders that would overdraw cash or oversell a position are rejected with a
// reason; the run continues. Fills are applied to the account in order.
func (x *executor) execute(orders []types.Order, bar types.Bar, acct *account) (fills []types.Fill, rejected []types.RejectedOrder) {
	for _, order := range orders {
		price := x.fillPrice(order.Side, bar.Open)
		notional := price.Mul(order.Quantity)
		cost := notional.Mul(x.costRate)

		fill := types.Fill{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			Timestamp: bar.Date,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.Quantity,
			Price:     price,
			Cost:      cost,
		}

		if err := acct.apply(fill); err != nil {
			rejected = append(rejected, types.RejectedOrder{
				Order:  order,
				Reason: err.Error(),
				Date:   bar.Date,
			})
			continue
		}
		fills = append(fills, fill)
	}
	return fills, rejected
}

// liquidate closes every open position at the raw final close. These are
// mark-to-market valuations, not simulated trades, so no slippage or cost
// is charged. The fills are marked synthetic so statistics can exclude
// them from trade counts.
func (x *executor) liquidate(bar types.Bar, acct *account) []types.Fill {
	fills := make([]types.Fill, 0, len(acct.positions))
	for symbol, pos := range acct.positions {
		fills = append(fills, types.Fill{
			ID:        uuid.New().String(),
			Timestamp: bar.Date,
			Symbol:    symbol,
			Side:      types.SideSell,
			Quantity:  pos.Quantity,
			Price:     bar.Close,
			Cost:      decimal.Zero,
			Synthetic: true,
		})
	}
	for _, fill := range fills {
		// Sell of the full recorded position cannot fail.
		_ = acct.apply(fill)
	}
	return fills
}
