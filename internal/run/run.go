// Package run dispatches the closed set of run kinds. A run kind is
// resolved once from its name and then driven through the common Runnable
// lifecycle: validate, execute, report.
package run

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/backtester"
	"github.com/stratforge/backtest/internal/optimization"
	"github.com/stratforge/backtest/internal/store"
	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

// Kind names a supported run type.
type Kind string

const (
	KindBacktest Kind = "backtest"
	KindOptimize Kind = "optimize"
)

// Runnable is the lifecycle every run kind implements.
type Runnable interface {
	// ValidateConfig checks the run's configuration before any work starts.
	ValidateConfig() error
	// Execute performs the run. It is called at most once.
	Execute(ctx context.Context) error
	// Report returns the run's result after Execute succeeds.
	Report() interface{}
}

// Request carries everything needed to build a run.
type Request struct {
	Kind      Kind
	Config    types.BacktestConfig
	Strategy  string
	Params    types.ParameterSet
	Space     optimization.Space
	Optimizer optimization.Options
	// Progress, when set, receives engine progress for backtest runs.
	Progress func(backtester.Progress)
}

// Deps are the collaborators shared by all run kinds.
type Deps struct {
	Logger   *zap.Logger
	Store    *store.Store
	Registry *strategy.Registry
}

// Resolve maps a request to its run kind. Unknown kinds are a ConfigError
// equivalent: fatal before anything executes.
func Resolve(req Request, deps Deps) (Runnable, error) {
	switch req.Kind {
	case KindBacktest:
		return &BacktestRun{req: req, deps: deps}, nil
	case KindOptimize:
		return &OptimizeRun{req: req, deps: deps}, nil
	default:
		return nil, fmt.Errorf("run: unknown kind %q", req.Kind)
	}
}

// BacktestRun executes one strategy over one configured window.
type BacktestRun struct {
	req    Request
	deps   Deps
	result *backtester.Result
	report types.PerformanceReport
}

func (r *BacktestRun) ValidateConfig() error {
	if err := r.req.Config.Validate(); err != nil {
		return err
	}
	if _, err := r.deps.Registry.Get(r.req.Strategy); err != nil {
		return err
	}
	return nil
}

func (r *BacktestRun) Execute(ctx context.Context) error {
	factory, err := r.deps.Registry.Get(r.req.Strategy)
	if err != nil {
		return err
	}
	strat, err := factory(r.req.Params)
	if err != nil {
		return fmt.Errorf("run: build strategy %s: %w", r.req.Strategy, err)
	}

	bars, err := r.deps.Store.LoadBars(ctx, r.req.Config.Symbol, r.req.Config.StartDate, r.req.Config.EndDate)
	if err != nil {
		return err
	}

	var opts []backtester.Option
	if r.req.Progress != nil {
		opts = append(opts, backtester.WithProgress(r.req.Progress))
	}
	engine, err := backtester.NewEngine(r.deps.Logger, r.req.Config, strat, opts...)
	if err != nil {
		return err
	}
	result, err := engine.Run(ctx, bars)
	if err != nil {
		return err
	}

	r.result = result
	r.report = backtester.Evaluate(result)
	r.report.ParameterSet = r.req.Params
	return nil
}

func (r *BacktestRun) Report() interface{} { return r.report }

// Result exposes the raw engine output for callers that need the ledger and
// equity curve, not just the metrics.
func (r *BacktestRun) Result() *backtester.Result { return r.result }

// OptimizeRun sweeps a parameter space, sharing one bar snapshot across all
// combinations.
type OptimizeRun struct {
	req     Request
	deps    Deps
	outcome *optimization.Outcome
}

func (r *OptimizeRun) ValidateConfig() error {
	if err := r.req.Config.Validate(); err != nil {
		return err
	}
	if _, err := r.deps.Registry.Get(r.req.Strategy); err != nil {
		return err
	}
	if len(r.req.Space) == 0 {
		return fmt.Errorf("run: optimize requires a non-empty parameter space")
	}
	return nil
}

func (r *OptimizeRun) Execute(ctx context.Context) error {
	factory, err := r.deps.Registry.Get(r.req.Strategy)
	if err != nil {
		return err
	}

	// The snapshot is loaded once and shared read-only by every worker.
	bars, err := r.deps.Store.LoadBars(ctx, r.req.Config.Symbol, r.req.Config.StartDate, r.req.Config.EndDate)
	if err != nil {
		return err
	}

	opt, err := optimization.New(r.deps.Logger, factory, r.req.Config, r.req.Optimizer)
	if err != nil {
		return err
	}
	outcome, err := opt.Run(ctx, r.req.Space, bars)
	if outcome != nil {
		r.outcome = outcome
	}
	return err
}

func (r *OptimizeRun) Report() interface{} { return r.outcome }

// Outcome exposes the typed optimization result.
func (r *OptimizeRun) Outcome() *optimization.Outcome { return r.outcome }
