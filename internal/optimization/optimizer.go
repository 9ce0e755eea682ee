package optimization

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/backtester"
	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/pkg/types"
)

var (
	combinationsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_optimizer_combinations_total",
		Help: "Parameter combinations evaluated, by outcome.",
	}, []string{"outcome"})

	optimizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtest_optimizer_duration_seconds",
		Help:    "Wall time of whole optimization runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// SearchMode selects how combinations are drawn from the space.
type SearchMode string

const (
	SearchGrid   SearchMode = "grid"
	SearchRandom SearchMode = "random"
)

// Options controls one optimization run.
type Options struct {
	// Objective is the ranking metric name, "sharpe" by default.
	Objective string
	// TieBreaks are metric names consulted in order when the objective is
	// equal. "trade_count" ranks fewer trades first. Defaults to
	// total_return then trade_count.
	TieBreaks []string
	// ParallelWorkers bounds concurrent backtests. Defaults to 1.
	ParallelWorkers int
	// Mode selects grid or random search. Defaults to grid.
	Mode SearchMode
	// RandomSamples is the draw count for random search.
	RandomSamples int
	// Seed makes random search reproducible. Zero seeds from the clock.
	Seed int64
}

func (o *Options) normalize() error {
	if o.Objective == "" {
		o.Objective = "sharpe"
	}
	if !metricKnown(o.Objective) {
		return fmt.Errorf("optimization: unknown objective %q", o.Objective)
	}
	if o.TieBreaks == nil {
		o.TieBreaks = []string{"total_return", "trade_count"}
	}
	for _, name := range o.TieBreaks {
		if name != "trade_count" && !metricKnown(name) {
			return fmt.Errorf("optimization: unknown tie-break metric %q", name)
		}
	}
	if o.ParallelWorkers <= 0 {
		o.ParallelWorkers = 1
	}
	if o.Mode == "" {
		o.Mode = SearchGrid
	}
	if o.Mode == SearchRandom && o.RandomSamples <= 0 {
		return fmt.Errorf("optimization: random search needs a positive sample count")
	}
	return nil
}

func metricKnown(name string) bool {
	_, ok := (&types.PerformanceReport{}).Metric(name)
	return ok
}

// Failure records one parameter combination whose backtest errored.
type Failure struct {
	Params types.ParameterSet `json:"params"`
	Err    string             `json:"error"`
}

// Outcome is the ranked result of one optimization run. Reports plus
// Failures always account for every combination attempted.
type Outcome struct {
	Reports    []types.PerformanceReport `json:"reports"`
	Failures   []Failure                 `json:"failures"`
	Total      int                       `json:"total"`
	Elapsed    time.Duration             `json:"elapsed"`
	Cancelled  bool                      `json:"cancelled"`
	BestParams types.ParameterSet        `json:"bestParams,omitempty"`
}

// Optimizer runs one backtest per parameter combination over a shared bar
// snapshot and ranks the survivors.
type Optimizer struct {
	logger  *zap.Logger
	factory strategy.Factory
	config  types.BacktestConfig
	opts    Options
}

// New creates an optimizer. The config is reused verbatim for every
// combination; only the strategy parameters vary.
func New(logger *zap.Logger, factory strategy.Factory, config types.BacktestConfig, opts Options) (*Optimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("optimization: nil strategy factory")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Optimizer{logger: logger, factory: factory, config: config, opts: opts}, nil
}

// Run evaluates the space against bars. The bar slice is shared read-only
// across workers and must not be mutated while the run is active. On
// cancellation the combinations finished so far are still ranked and
// returned alongside the context error.
func (o *Optimizer) Run(ctx context.Context, space Space, bars []types.Bar) (*Outcome, error) {
	if len(space) == 0 {
		return nil, fmt.Errorf("optimization: empty parameter space")
	}

	var combos []types.ParameterSet
	switch o.opts.Mode {
	case SearchRandom:
		seed := o.opts.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		combos = space.SampleN(o.opts.RandomSamples, rand.New(rand.NewSource(seed)))
	default:
		combos = space.Combinations()
	}
	if len(combos) == 0 {
		return nil, fmt.Errorf("optimization: parameter space produced no combinations")
	}

	o.logger.Info("optimization started",
		zap.String("mode", string(o.opts.Mode)),
		zap.String("objective", o.opts.Objective),
		zap.Int("combinations", len(combos)),
		zap.Int("workers", o.opts.ParallelWorkers))

	started := time.Now()
	outcome := &Outcome{Total: len(combos)}

	jobs := make(chan types.ParameterSet)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for w := 0; w < o.opts.ParallelWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for params := range jobs {
				report, err := o.evaluate(ctx, params, bars)
				mu.Lock()
				if err != nil {
					combinationsRun.WithLabelValues("failed").Inc()
					outcome.Failures = append(outcome.Failures, Failure{Params: params, Err: err.Error()})
				} else {
					combinationsRun.WithLabelValues("completed").Inc()
					outcome.Reports = append(outcome.Reports, report)
				}
				mu.Unlock()
			}
		}()
	}

	var ctxErr error
dispatch:
	for _, params := range combos {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break dispatch
		case jobs <- params:
		}
	}
	close(jobs)
	wg.Wait()

	outcome.Elapsed = time.Since(started)
	optimizationDuration.Observe(outcome.Elapsed.Seconds())

	if ctxErr != nil {
		// Combinations never dispatched count as failures so the ledger
		// still sums to Total.
		dispatched := len(outcome.Reports) + len(outcome.Failures)
		for _, params := range combos[dispatched:] {
			outcome.Failures = append(outcome.Failures, Failure{Params: params, Err: ctxErr.Error()})
		}
		outcome.Cancelled = true
	}

	o.rank(outcome.Reports)
	if len(outcome.Reports) > 0 {
		outcome.BestParams = outcome.Reports[0].ParameterSet
	}

	o.logger.Info("optimization finished",
		zap.Int("completed", len(outcome.Reports)),
		zap.Int("failed", len(outcome.Failures)),
		zap.Bool("cancelled", outcome.Cancelled),
		zap.Duration("elapsed", outcome.Elapsed))

	if ctxErr != nil {
		return outcome, fmt.Errorf("optimization: cancelled after %d of %d combinations: %w",
			len(outcome.Reports)+len(outcome.Failures), outcome.Total, ctxErr)
	}
	return outcome, nil
}

// evaluate runs one backtest for one combination.
func (o *Optimizer) evaluate(ctx context.Context, params types.ParameterSet, bars []types.Bar) (types.PerformanceReport, error) {
	strat, err := o.factory(params)
	if err != nil {
		return types.PerformanceReport{}, fmt.Errorf("build strategy: %w", err)
	}
	engine, err := backtester.NewEngine(o.logger, o.config, strat)
	if err != nil {
		return types.PerformanceReport{}, err
	}
	result, err := engine.Run(ctx, bars)
	if err != nil {
		return types.PerformanceReport{}, err
	}
	report := backtester.Evaluate(result)
	report.ParameterSet = params
	return report, nil
}

// rank sorts reports by the objective descending, then by the tie-break
// chain. The special tie-break "trade_count" sorts ascending.
func (o *Optimizer) rank(reports []types.PerformanceReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		a, _ := reports[i].Metric(o.opts.Objective)
		b, _ := reports[j].Metric(o.opts.Objective)
		if a != b {
			return a > b
		}
		for _, name := range o.opts.TieBreaks {
			if name == "trade_count" {
				if reports[i].TradeCount != reports[j].TradeCount {
					return reports[i].TradeCount < reports[j].TradeCount
				}
				continue
			}
			a, _ = reports[i].Metric(name)
			b, _ = reports[j].Metric(name)
			if a != b {
				return a > b
			}
		}
		return false
	})
}
