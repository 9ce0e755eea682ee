package builtins

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

func barSeries(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Symbol: "sh.600000",
			Date:   start.AddDate(0, 0, i),
			Open:   d,
			High:   d,
			Low:    d,
			Close:  d,
			Volume: 1000,
		}
	}
	return bars
}

func flatAccount(cash float64) strategy.Account {
	return strategy.Account{
		Cash:      decimal.NewFromFloat(cash),
		Equity:    decimal.NewFromFloat(cash),
		Positions: map[string]types.Position{},
	}
}

func TestFactoryValidation(t *testing.T) {
	if _, err := Factory(types.ParameterSet{"ma_short": 5}); err == nil {
		t.Fatal("expected error for missing ma_long")
	}
	if _, err := Factory(types.ParameterSet{"ma_short": 10, "ma_long": 5}); err == nil {
		t.Fatal("expected error for short >= long")
	}
	s, err := Factory(types.ParameterSet{"ma_short": 2, "ma_long": 4})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if s.Name() != "sma_cross" {
		t.Fatalf("unexpected name %q", s.Name())
	}
}

func TestGoldenCrossBuysAllIn(t *testing.T) {
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Downtrend then sharp recovery so the 2-bar SMA crosses above the 4-bar
	// SMA on the final bar.
	bars := barSeries([]float64{10, 9, 8, 7, 6, 9, 12})

	orders, err := s.OnBar(bars, flatAccount(1000))
	if err != nil {
		t.Fatalf("onbar: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Side != types.SideBuy {
		t.Fatalf("expected buy, got %s", orders[0].Side)
	}
	// 1000 cash / 12 close = 83 whole units.
	if want := decimal.NewFromInt(83); !orders[0].Quantity.Equal(want) {
		t.Fatalf("expected quantity %s, got %s", want, orders[0].Quantity)
	}
}

func TestDeathCrossSellsPosition(t *testing.T) {
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	bars := barSeries([]float64{6, 9, 12, 13, 14, 11, 7})

	account := strategy.Account{
		Cash:   decimal.Zero,
		Equity: decimal.NewFromInt(700),
		Positions: map[string]types.Position{
			"sh.600000": {Symbol: "sh.600000", Quantity: decimal.NewFromInt(100), AverageCost: decimal.NewFromInt(9)},
		},
	}

	orders, err := s.OnBar(bars, account)
	if err != nil {
		t.Fatalf("onbar: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Side != types.SideSell {
		t.Fatalf("expected sell, got %s", orders[0].Side)
	}
	if !orders[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full position sale, got %s", orders[0].Quantity)
	}
}

func TestInsufficientHistoryIsQuiet(t *testing.T) {
	s, err := NewSMACross(2, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	orders, err := s.OnBar(barSeries([]float64{10, 11, 12}), flatAccount(1000))
	if err != nil {
		t.Fatalf("onbar: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders on short history, got %d", len(orders))
	}
}
