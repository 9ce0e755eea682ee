package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/backtester"
	"github.com/stratforge/backtest/internal/optimization"
	"github.com/stratforge/backtest/internal/run"
	"github.com/stratforge/backtest/pkg/types"
)

const dateLayout = "2006-01-02"

// optimizeJob tracks one asynchronous optimization sweep.
type optimizeJob struct {
	ID       string                `json:"id"`
	Status   string                `json:"status"`
	Started  time.Time             `json:"started"`
	Finished time.Time             `json:"finished,omitempty"`
	Error    string                `json:"error,omitempty"`
	Outcome  *optimization.Outcome `json:"outcome,omitempty"`
	cancel   func()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListSymbols(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": symbols})
}

func (s *Server) handleGetBars(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	start, end, err := parseDateRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	bars, err := s.store.LoadBars(r.Context(), symbol, start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"count":  len(bars),
		"bars":   bars,
	})
}

func (s *Server) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": s.registry.List()})
}

func parseDateRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	start, err = time.Parse(dateLayout, q.Get("start"))
	if err != nil {
		return start, end, errors.New("api: start must be YYYY-MM-DD")
	}
	end, err = time.Parse(dateLayout, q.Get("end"))
	if err != nil {
		return start, end, errors.New("api: end must be YYYY-MM-DD")
	}
	return start, end, nil
}

// backtestRequest is the POST /backtest/run body. Omitted config fields fall
// back to the server defaults.
type backtestRequest struct {
	Symbol          string             `json:"symbol"`
	Strategy        string             `json:"strategy"`
	Params          types.ParameterSet `json:"params"`
	InitialCash     *float64           `json:"initialCash,omitempty"`
	StartDate       string             `json:"startDate,omitempty"`
	EndDate         string             `json:"endDate,omitempty"`
	Frequency       string             `json:"frequency,omitempty"`
	TransactionCost *float64           `json:"transactionCost,omitempty"`
	Slippage        *float64           `json:"slippage,omitempty"`
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := s.materializeConfig(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	runnable, err := run.Resolve(run.Request{
		Kind:     run.KindBacktest,
		Config:   cfg,
		Strategy: req.Strategy,
		Params:   req.Params,
		Progress: s.hub.PublishBacktestProgress,
	}, run.Deps{Logger: s.logger, Store: s.store, Registry: s.registry})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := runnable.ValidateConfig(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := runnable.Execute(r.Context()); err != nil {
		if errors.Is(err, backtester.ErrInsufficientData) {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	bt := runnable.(*run.BacktestRun)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": bt.Report(),
		"result": bt.Result(),
	})
}

// domainSpec is the wire form of one parameter domain.
type domainSpec struct {
	Type       string    `json:"type"`
	Min        float64   `json:"min,omitempty"`
	Max        float64   `json:"max,omitempty"`
	Step       int       `json:"step,omitempty"`
	NumSamples int       `json:"numSamples,omitempty"`
	Choices    []float64 `json:"choices,omitempty"`
}

func (d domainSpec) build() (optimization.Domain, error) {
	switch d.Type {
	case "integer":
		return optimization.NewIntegerDomain(int(d.Min), int(d.Max), d.Step)
	case "float":
		return optimization.NewFloatDomain(d.Min, d.Max, d.NumSamples)
	case "choice":
		return optimization.NewChoiceDomain(d.Choices)
	default:
		return nil, errors.New("api: domain type must be integer, float, or choice")
	}
}

type optimizeRequest struct {
	backtestRequest
	Space     map[string]domainSpec `json:"space"`
	Objective string                `json:"objective,omitempty"`
	Workers   int                   `json:"workers,omitempty"`
	Mode      string                `json:"mode,omitempty"`
	Samples   int                   `json:"samples,omitempty"`
	Seed      int64                 `json:"seed,omitempty"`
}

func (s *Server) handleRunOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg, err := s.materializeConfig(req.backtestRequest)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	space := make(optimization.Space, len(req.Space))
	for name, spec := range req.Space {
		domain, err := spec.build()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		space[name] = domain
	}

	objective := req.Objective
	if objective == "" {
		objective = s.cfg.Optimizer.Objective
	}
	workers := req.Workers
	if workers <= 0 {
		workers = s.cfg.Optimizer.Workers
	}

	runnable, err := run.Resolve(run.Request{
		Kind:     run.KindOptimize,
		Config:   cfg,
		Strategy: req.Strategy,
		Space:    space,
		Optimizer: optimization.Options{
			Objective:       objective,
			ParallelWorkers: workers,
			Mode:            optimization.SearchMode(req.Mode),
			RandomSamples:   req.Samples,
			Seed:            req.Seed,
		},
	}, run.Deps{Logger: s.logger, Store: s.store, Registry: s.registry})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := runnable.ValidateConfig(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// Capture the response fields before the goroutine starts mutating the
	// job under s.mu.
	id := uuid.New().String()
	job := &optimizeJob{
		ID:      id,
		Status:  "running",
		Started: time.Now(),
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	go s.runOptimizeJob(job, runnable.(*run.OptimizeRun))

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "running",
	})
}

func (s *Server) runOptimizeJob(job *optimizeJob, r *run.OptimizeRun) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.mu.Lock()
	job.cancel = cancel
	s.mu.Unlock()

	err := r.Execute(ctx)

	s.mu.Lock()
	job.Finished = time.Now()
	job.Outcome = r.Outcome()
	if err != nil {
		job.Status = "failed"
		job.Error = err.Error()
	} else {
		job.Status = "completed"
	}
	s.mu.Unlock()

	s.hub.PublishOptimizeUpdate(job)
	s.logger.Info("optimization job finished",
		zap.String("id", job.ID),
		zap.String("status", job.Status))
}

func (s *Server) handleGetOptimize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	job, ok := s.jobs[id]
	var snapshot optimizeJob
	if ok {
		snapshot = *job
	}
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("api: unknown optimization id"))
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancelOptimize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	job, ok := s.jobs[id]
	var cancel func()
	if ok && job.Status == "running" {
		cancel = job.cancel
	}
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("api: unknown optimization id"))
		return
	}
	if cancel != nil {
		cancel()
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// materializeConfig merges the request body over the configured defaults.
// Dates given in the request replace the configured range; everything else
// is an optional override.
func (s *Server) materializeConfig(req backtestRequest) (types.BacktestConfig, error) {
	bt := s.cfg.Backtest
	cfg := types.BacktestConfig{
		Symbol:              req.Symbol,
		InitialCash:         decimal.NewFromFloat(bt.InitialCash),
		Frequency:           types.Frequency(bt.Frequency),
		TransactionCostRate: decimal.NewFromFloat(bt.TransactionCost),
		SlippageRate:        decimal.NewFromFloat(bt.Slippage),
	}

	startStr := req.StartDate
	if startStr == "" {
		startStr = bt.StartDate
	}
	endStr := req.EndDate
	if endStr == "" {
		endStr = bt.EndDate
	}
	var err error
	if cfg.StartDate, err = time.Parse(dateLayout, startStr); err != nil {
		return types.BacktestConfig{}, errors.New("api: startDate must be YYYY-MM-DD")
	}
	if cfg.EndDate, err = time.Parse(dateLayout, endStr); err != nil {
		return types.BacktestConfig{}, errors.New("api: endDate must be YYYY-MM-DD")
	}

	if req.InitialCash != nil {
		cfg.InitialCash = decimal.NewFromFloat(*req.InitialCash)
	}
	if req.Frequency != "" {
		cfg.Frequency = types.Frequency(req.Frequency)
	}
	if req.TransactionCost != nil {
		cfg.TransactionCostRate = decimal.NewFromFloat(*req.TransactionCost)
	}
	if req.Slippage != nil {
		cfg.SlippageRate = decimal.NewFromFloat(*req.Slippage)
	}
	return cfg, cfg.Validate()
}
