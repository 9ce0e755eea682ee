// Package config loads and validates server configuration from file,
// environment, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stratforge/backtest/pkg/types"
)

// Storage configures the SQLite store and its connection pool.
type Storage struct {
	Path           string        `mapstructure:"path"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// Server configures the HTTP/WebSocket listener.
type Server struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	WebSocketPath string        `mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// Logging configures the zap logger and log rotation.
type Logging struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Backtest holds the default run parameters, overridable per request.
type Backtest struct {
	InitialCash     float64 `mapstructure:"initial_cash"`
	StartDate       string  `mapstructure:"start_date"`
	EndDate         string  `mapstructure:"end_date"`
	Frequency       string  `mapstructure:"frequency"`
	TransactionCost float64 `mapstructure:"transaction_cost"`
	Slippage        float64 `mapstructure:"slippage"`
}

// Optimizer holds the default optimization settings.
type Optimizer struct {
	Workers   int    `mapstructure:"workers"`
	Objective string `mapstructure:"objective"`
}

// Config is the root configuration.
type Config struct {
	Storage   Storage   `mapstructure:"storage"`
	Server    Server    `mapstructure:"server"`
	Logging   Logging   `mapstructure:"logging"`
	Backtest  Backtest  `mapstructure:"backtest"`
	Optimizer Optimizer `mapstructure:"optimizer"`
}

const dateLayout = "2006-01-02"

// Load reads configuration from path (optional), layered under BACKTEST_*
// environment variables and the built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("storage.path", "./data/backtest.db")
	v.SetDefault("storage.pool_size", 4)
	v.SetDefault("storage.acquire_timeout", "5s")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("backtest.initial_cash", 100000)
	v.SetDefault("backtest.frequency", "daily")
	v.SetDefault("backtest.transaction_cost", 0.0003)
	v.SetDefault("backtest.slippage", 0.001)

	v.SetDefault("optimizer.workers", 4)
	v.SetDefault("optimizer.objective", "sharpe")

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("config: storage.pool_size must be positive, got %d", c.Storage.PoolSize)
	}
	if c.Storage.AcquireTimeout <= 0 {
		return fmt.Errorf("config: storage.acquire_timeout must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if !types.Frequency(c.Backtest.Frequency).Valid() {
		return fmt.Errorf("config: unknown backtest.frequency %q", c.Backtest.Frequency)
	}
	if c.Backtest.InitialCash <= 0 {
		return fmt.Errorf("config: backtest.initial_cash must be positive")
	}
	if c.Optimizer.Workers <= 0 {
		return fmt.Errorf("config: optimizer.workers must be positive, got %d", c.Optimizer.Workers)
	}
	return nil
}

// BacktestConfig materializes the default run configuration for symbol. The
// configured date range is parsed here; an unset range is an error because
// every run needs explicit bounds.
func (c *Config) BacktestConfig(symbol string) (types.BacktestConfig, error) {
	start, err := time.Parse(dateLayout, c.Backtest.StartDate)
	if err != nil {
		return types.BacktestConfig{}, fmt.Errorf("config: bad backtest.start_date %q: %w", c.Backtest.StartDate, err)
	}
	end, err := time.Parse(dateLayout, c.Backtest.EndDate)
	if err != nil {
		return types.BacktestConfig{}, fmt.Errorf("config: bad backtest.end_date %q: %w", c.Backtest.EndDate, err)
	}
	return types.BacktestConfig{
		Symbol:              symbol,
		InitialCash:         decimal.NewFromFloat(c.Backtest.InitialCash),
		StartDate:           start,
		EndDate:             end,
		Frequency:           types.Frequency(c.Backtest.Frequency),
		TransactionCostRate: decimal.NewFromFloat(c.Backtest.TransactionCost),
		SlippageRate:        decimal.NewFromFloat(c.Backtest.Slippage),
	}, nil
}
