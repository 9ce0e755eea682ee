package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/config"
	"github.com/stratforge/backtest/internal/pool"
	"github.com/stratforge/backtest/internal/store"
	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/internal/strategy/builtins"
	"github.com/stratforge/backtest/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()

	p, err := pool.New(t.TempDir()+"/api.db", 2, logger)
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

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Backtest.StartDate = "2023-01-01"
	cfg.Backtest.EndDate = "2023-12-31"

	hub := NewHub(logger)
	go hub.Run()

	return NewServer(logger, cfg, st, registry, hub)
}

func seedBars(t *testing.T, s *Server, n int) {
	t.Helper()
	bars := make([]types.Bar, n)
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		price := decimal.NewFromInt(int64(10 + i%7))
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
	if err := s.store.UpsertBars(context.Background(), bars); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	s := newTestServer(t)
	seedBars(t, s, 3)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/data/symbols", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Symbols) != 1 || body.Symbols[0] != "sh.600000" {
		t.Fatalf("unexpected symbols %v", body.Symbols)
	}
}

func TestBarsEndpointValidatesRange(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/data/bars/sh.600000?start=bogus&end=2023-02-01", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRunBacktestEndpoint(t *testing.T) {
	s := newTestServer(t)
	seedBars(t, s, 30)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":   "sh.600000",
		"strategy": "sma_cross",
		"params":   map[string]float64{"ma_short": 3, "ma_long": 7},
	})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/backtest/run", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Report types.PerformanceReport `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Report.FinalEquity.IsZero() {
		t.Fatal("expected a populated report")
	}
}

func TestRunBacktestNoDataIsUnprocessable(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":   "sh.999999",
		"strategy": "sma_cross",
		"params":   map[string]float64{"ma_short": 3, "ma_long": 7},
	})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/backtest/run", bytes.NewReader(body)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOptimizeLifecycle(t *testing.T) {
	s := newTestServer(t)
	seedBars(t, s, 40)

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":   "sh.600000",
		"strategy": "sma_cross",
		"workers":  2,
		"space": map[string]interface{}{
			"ma_short": map[string]interface{}{"type": "integer", "min": 2, "max": 4, "step": 2},
			"ma_long":  map[string]interface{}{"type": "integer", "min": 6, "max": 10, "step": 2},
		},
	})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/optimize/run", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Status != "running" {
		t.Fatalf("expected running, got %q", accepted.Status)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest("GET", fmt.Sprintf("/api/v1/optimize/%s", accepted.ID), nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var job optimizeJob
		if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if job.Status == "completed" {
			if job.Outcome == nil || job.Outcome.Total != 6 {
				t.Fatalf("unexpected outcome %+v", job.Outcome)
			}
			return
		}
		if job.Status == "failed" {
			t.Fatalf("job failed: %s", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("optimization did not finish in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetUnknownOptimizeJob(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/optimize/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/optimize/nope/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on cancel, got %d", rec.Code)
	}
}
