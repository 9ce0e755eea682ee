package run

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/optimization"
	"github.com/stratforge/backtest/internal/pool"
	"github.com/stratforge/backtest/internal/store"
	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/internal/strategy/builtins"
	"github.com/stratforge/backtest/pkg/types"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	logger := zap.NewNop()
	p, err := pool.New(t.TempDir()+"/run.db", 2, logger)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	st := store.New(p, logger)
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}

	registry := strategy.NewRegistry()
	registry.Register("sma_cross", builtins.Factory)
	return Deps{Logger: logger, Store: st, Registry: registry}
}

func seedBars(t *testing.T, deps Deps, n int) {
	t.Helper()
	bars := make([]types.Bar, n)
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		price := decimal.NewFromInt(int64(10 + i%5))
		bars[i] = types.Bar{
			Symbol: "sh.600000",
			Date:   start.AddDate(0, 0, i),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: 1000,
		}
	}
	if err := deps.Store.UpsertBars(context.Background(), bars); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func runConfig() types.BacktestConfig {
	return types.BacktestConfig{
		Symbol:      "sh.600000",
		InitialCash: decimal.NewFromInt(100000),
		StartDate:   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		Frequency:   types.FrequencyDaily,
	}
}

func TestResolveUnknownKind(t *testing.T) {
	if _, err := Resolve(Request{Kind: "fetch"}, testDeps(t)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestBacktestRunLifecycle(t *testing.T) {
	deps := testDeps(t)
	seedBars(t, deps, 30)

	r, err := Resolve(Request{
		Kind:     KindBacktest,
		Config:   runConfig(),
		Strategy: "sma_cross",
		Params:   types.ParameterSet{"ma_short": 3, "ma_long": 7},
	}, deps)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.ValidateConfig(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	report, ok := r.Report().(types.PerformanceReport)
	if !ok {
		t.Fatalf("unexpected report type %T", r.Report())
	}
	if report.FinalEquity.IsZero() {
		t.Fatal("expected a populated report")
	}
}

func TestBacktestRunRejectsUnknownStrategy(t *testing.T) {
	r, err := Resolve(Request{
		Kind:     KindBacktest,
		Config:   runConfig(),
		Strategy: "momentum",
	}, testDeps(t))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.ValidateConfig(); err == nil {
		t.Fatal("expected validation error for unregistered strategy")
	}
}

func TestOptimizeRunSweepsSpace(t *testing.T) {
	deps := testDeps(t)
	seedBars(t, deps, 40)

	short, err := optimization.NewIntegerDomain(2, 4, 2)
	if err != nil {
		t.Fatalf("domain: %v", err)
	}
	long, err := optimization.NewIntegerDomain(6, 10, 2)
	if err != nil {
		t.Fatalf("domain: %v", err)
	}

	r, err := Resolve(Request{
		Kind:      KindOptimize,
		Config:    runConfig(),
		Strategy:  "sma_cross",
		Space:     optimization.Space{"ma_short": short, "ma_long": long},
		Optimizer: optimization.Options{ParallelWorkers: 2},
	}, deps)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.ValidateConfig(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	outcome := r.(*OptimizeRun).Outcome()
	if outcome == nil {
		t.Fatal("expected an outcome")
	}
	if outcome.Total != 6 {
		t.Fatalf("expected 6 combinations, got %d", outcome.Total)
	}
	if got := len(outcome.Reports) + len(outcome.Failures); got != outcome.Total {
		t.Fatalf("reports+failures %d does not cover total %d", got, outcome.Total)
	}
}
