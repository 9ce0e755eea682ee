// Package store provides persistence for historical price-bar series keyed
// by (symbol, date).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratforge/backtest/internal/pool"
	"github.com/stratforge/backtest/pkg/types"
)

const dateLayout = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS stock_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL,
	date TEXT NOT NULL,
	open REAL,
	high REAL,
	low REAL,
	close REAL,
	preclose REAL,
	volume INTEGER,
	amount REAL,
	adjustflag INTEGER,
	turn REAL,
	tradestatus INTEGER,
	pctChg REAL,
	isST INTEGER,
	UNIQUE(code, date)
)`

const upsertSQL = `
INSERT INTO stock_data
	(code, date, open, high, low, close, preclose, volume, amount,
	 adjustflag, turn, tradestatus, pctChg, isST)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(code, date) DO UPDATE SET
	open = excluded.open,
	high = excluded.high,
	low = excluded.low,
	close = excluded.close,
	preclose = excluded.preclose,
	volume = excluded.volume,
	amount = excluded.amount,
	adjustflag = excluded.adjustflag,
	turn = excluded.turn,
	tradestatus = excluded.tradestatus,
	pctChg = excluded.pctChg,
	isST = excluded.isST`

const selectSQL = `
SELECT code, date, open, high, low, close, preclose, volume, amount,
       adjustflag, turn, tradestatus, pctChg, isST
FROM stock_data
WHERE code = ? AND date >= ? AND date <= ?
ORDER BY date ASC`

// Store reads and writes bar series through a leased pool handle. All SQL is
// parameterized.
type Store struct {
	logger         *zap.Logger
	pool           *pool.Pool
	acquireTimeout time.Duration
}

// New creates a Store on top of the given connection pool.
func New(p *pool.Pool, logger *zap.Logger) *Store {
	return &Store{
		logger:         logger,
		pool:           p,
		acquireTimeout: 5 * time.Second,
	}
}

// EnsureSchema creates the bar table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.pool.WithConn(ctx, s.acquireTimeout, func(h *pool.Handle) error {
		if _, err := h.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
		return nil
	})
}

// LoadBars returns the bars for symbol within [start, end], ascending by
// date. Missing dates inside the range are not an error; an empty range
// returns an empty slice.
func (s *Store) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	var bars []types.Bar

	err := s.pool.WithConn(ctx, s.acquireTimeout, func(h *pool.Handle) error {
		rows, err := h.QueryContext(ctx, selectSQL,
			symbol, start.Format(dateLayout), end.Format(dateLayout))
		if err != nil {
			return fmt.Errorf("store: query bars: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			bar, err := scanBar(rows)
			if err != nil {
				return err
			}
			bars = append(bars, bar)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("loaded bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)),
	)
	return bars, nil
}

// UpsertBars writes a batch of bars inside one transaction: either every bar
// in the batch is committed or none are. A bar that already exists for its
// (symbol, date) key is overwritten, not duplicated.
func (s *Store) UpsertBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	err := s.pool.WithTx(ctx, s.acquireTimeout, func(h *pool.Handle) error {
		for _, bar := range bars {
			isST := 0
			if bar.IsST {
				isST = 1
			}
			open, _ := bar.Open.Float64()
			high, _ := bar.High.Float64()
			low, _ := bar.Low.Float64()
			closePx, _ := bar.Close.Float64()
			preClose, _ := bar.PreClose.Float64()
			amount, _ := bar.Amount.Float64()

			_, err := h.ExecContext(ctx, upsertSQL,
				bar.Symbol, bar.Date.Format(dateLayout),
				open, high, low, closePx, preClose,
				bar.Volume, amount, bar.AdjustFlag,
				bar.TurnoverRate, bar.TradeStatus, bar.PctChange, isST)
			if err != nil {
				return fmt.Errorf("store: upsert bar %s %s: %w",
					bar.Symbol, bar.Date.Format(dateLayout), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("upserted bars",
		zap.Int("count", len(bars)),
		zap.String("symbol", bars[0].Symbol),
	)
	return nil
}

// ListSymbols returns all distinct symbols present in the store.
func (s *Store) ListSymbols(ctx context.Context) ([]string, error) {
	var symbols []string

	err := s.pool.WithConn(ctx, s.acquireTimeout, func(h *pool.Handle) error {
		rows, err := h.QueryContext(ctx, `SELECT DISTINCT code FROM stock_data ORDER BY code`)
		if err != nil {
			return fmt.Errorf("store: list symbols: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				return err
			}
			symbols = append(symbols, sym)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// rowScanner is satisfied by *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBar(r rowScanner) (types.Bar, error) {
	var (
		bar                                   types.Bar
		dateStr                               string
		open, high, low, closePx, pre, amount float64
		isST                                  int
	)

	err := r.Scan(&bar.Symbol, &dateStr, &open, &high, &low, &closePx, &pre,
		&bar.Volume, &amount, &bar.AdjustFlag, &bar.TurnoverRate,
		&bar.TradeStatus, &bar.PctChange, &isST)
	if err != nil {
		return types.Bar{}, fmt.Errorf("store: scan bar: %w", err)
	}

	bar.Date, err = time.Parse(dateLayout, dateStr)
	if err != nil {
		return types.Bar{}, fmt.Errorf("store: parse bar date %q: %w", dateStr, err)
	}

	bar.Open = decimal.NewFromFloat(open)
	bar.High = decimal.NewFromFloat(high)
	bar.Low = decimal.NewFromFloat(low)
	bar.Close = decimal.NewFromFloat(closePx)
	bar.PreClose = decimal.NewFromFloat(pre)
	bar.Amount = decimal.NewFromFloat(amount)
	bar.IsST = isST != 0
	return bar, nil
}
