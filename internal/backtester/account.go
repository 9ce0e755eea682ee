package backtester

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

// account is the mutable run state: cash plus per-symbol positions. Only
// fills mutate it.
type account struct {
	cash      decimal.Decimal
	positions map[string]*types.Position
}

func newAccount(initialCash decimal.Decimal) *account {
	return &account{
		cash:      initialCash,
		positions: make(map[string]*types.Position),
	}
}

// apply mutates the account with an executed fill. Buys reduce cash by
// notional plus cost and raise the position's average cost; sells release
// notional minus cost and leave average cost untouched until flat.
func (a *account) apply(fill types.Fill) error {
	notional := fill.Price.Mul(fill.Quantity)

	switch fill.Side {
	case types.SideBuy:
		total := notional.Add(fill.Cost)
		if total.GreaterThan(a.cash) {
			return fmt.Errorf("fill %s overdraws cash: need %s, have %s", fill.ID, total, a.cash)
		}
		a.cash = a.cash.Sub(total)
		pos, ok := a.positions[fill.Symbol]
		if !ok {
			pos = &types.Position{Symbol: fill.Symbol, Quantity: decimal.Zero, AverageCost: decimal.Zero}
			a.positions[fill.Symbol] = pos
		}
		newQty := pos.Quantity.Add(fill.Quantity)
		pos.AverageCost = pos.AverageCost.Mul(pos.Quantity).Add(total).Div(newQty)
		pos.Quantity = newQty

	case types.SideSell:
		pos, ok := a.positions[fill.Symbol]
		if !ok || pos.Quantity.LessThan(fill.Quantity) {
			return fmt.Errorf("fill %s oversells position %s", fill.ID, fill.Symbol)
		}
		a.cash = a.cash.Add(notional).Sub(fill.Cost)
		pos.Quantity = pos.Quantity.Sub(fill.Quantity)
		if pos.Quantity.IsZero() {
			delete(a.positions, fill.Symbol)
		}

	default:
		return fmt.Errorf("fill %s has unknown side %q", fill.ID, fill.Side)
	}
	return nil
}

// holdingsValue marks every open position at the supplied close prices.
// Symbols without a price are marked at their average cost.
func (a *account) holdingsValue(closes map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for symbol, pos := range a.positions {
		price, ok := closes[symbol]
		if !ok {
			price = pos.AverageCost
		}
		total = total.Add(price.Mul(pos.Quantity))
	}
	return total
}

// snapshot produces the read-only view handed to strategies.
func (a *account) snapshot(equity decimal.Decimal) strategy.Account {
	positions := make(map[string]types.Position, len(a.positions))
	for symbol, pos := range a.positions {
		positions[symbol] = *pos
	}
	return strategy.Account{
		Cash:      a.cash,
		Equity:    equity,
		Positions: positions,
	}
}
