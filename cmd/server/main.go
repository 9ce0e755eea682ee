// Package main provides the entry point for the backtest server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/api"
	"github.com/stratforge/backtest/internal/config"
	"github.com/stratforge/backtest/internal/logging"
	"github.com/stratforge/backtest/internal/pool"
	"github.com/stratforge/backtest/internal/store"
	"github.com/stratforge/backtest/internal/strategy"
	"github.com/stratforge/backtest/internal/strategy/builtins"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting backtest server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("db", cfg.Storage.Path),
	)

	dbPool, err := pool.New(cfg.Storage.Path, cfg.Storage.PoolSize, logger)
	if err != nil {
		logger.Fatal("initialize connection pool", zap.Error(err))
	}
	defer dbPool.Close()

	dataStore := store.New(dbPool, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dataStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure storage schema", zap.Error(err))
	}

	registry := strategy.NewRegistry()
	registry.Register("sma_cross", builtins.Factory)
	logger.Info("registered strategies", zap.Strings("strategies", registry.List()))

	hub := api.NewHub(logger)
	go hub.Run()

	server := api.NewServer(logger, cfg, dataStore, registry, hub)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
