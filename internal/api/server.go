// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/config"
	"github.com/stratforge/backtest/internal/store"
	"github.com/stratforge/backtest/internal/strategy"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        *config.Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	store      *store.Store
	registry   *strategy.Registry
	jobs       map[string]*optimizeJob
}

// NewServer creates the API server and wires its routes.
func NewServer(logger *zap.Logger, cfg *config.Config, st *store.Store, registry *strategy.Registry, hub *Hub) *Server {
	server := &Server{
		logger:   logger,
		cfg:      cfg,
		router:   mux.NewRouter(),
		hub:      hub,
		store:    st,
		registry: registry,
		jobs:     make(map[string]*optimizeJob),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

// Router exposes the mux for additional route registration.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/bars/{symbol}", s.handleGetBars).Methods("GET")

	s.router.HandleFunc("/api/v1/strategies", s.handleGetStrategies).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")

	s.router.HandleFunc("/api/v1/optimize/run", s.handleRunOptimize).Methods("POST")
	s.router.HandleFunc("/api/v1/optimize/{id}", s.handleGetOptimize).Methods("GET")
	s.router.HandleFunc("/api/v1/optimize/{id}/cancel", s.handleCancelOptimize).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc(s.cfg.Server.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
