// Package pool provides a bounded pool of SQLite connection handles with
// exclusive leasing and transaction scoping.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var (
	// ErrPoolExhausted is returned when no handle becomes free within the
	// acquisition timeout.
	ErrPoolExhausted = errors.New("pool: no free handle within timeout")

	// ErrInvalidRelease is returned when a handle is released twice.
	ErrInvalidRelease = errors.New("pool: handle not leased")

	// ErrNestedTransaction is returned when Begin is called on a handle that
	// already has an open transaction.
	ErrNestedTransaction = errors.New("pool: transaction already open on handle")

	// ErrNoTransaction is returned when Commit or Rollback is called with no
	// open transaction.
	ErrNoTransaction = errors.New("pool: no open transaction")

	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool: closed")
)

var handlesInUse = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "backtest_pool_handles_in_use",
	Help: "Number of storage handles currently leased from the pool.",
})

const (
	defaultCommitRetries = 5
	commitBackoffInitial = 10 * time.Millisecond
)

// Handle is an exclusively-leased storage connection. A handle is owned by
// one caller between Acquire and Release and must not be shared.
//
// Transactions are driven with explicit BEGIN/COMMIT/ROLLBACK statements on
// the dedicated connection rather than database/sql's Tx type: a failed
// Tx.Commit finalizes the Tx and can never be re-issued, while a COMMIT
// statement left un-committed by lock contention can simply be run again.
type Handle struct {
	conn   *sql.Conn
	inTx   bool
	leased bool
}

// Pool manages a fixed set of reusable storage handles.
type Pool struct {
	logger *zap.Logger
	db     *sql.DB
	free   chan *Handle
	size   int
	done   chan struct{}
}

// New opens the SQLite database at path and pre-creates size dedicated
// connections. Pool size is fixed for the lifetime of the pool.
func New(path string, size int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pool: open database: %w", err)
	}
	db.SetMaxOpenConns(size)

	p := &Pool{
		logger: logger,
		db:     db,
		free:   make(chan *Handle, size),
		size:   size,
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: create connection %d: %w", i, err)
		}
		p.free <- &Handle{conn: conn}
	}

	logger.Info("connection pool ready",
		zap.String("path", path),
		zap.Int("size", size),
	)

	return p, nil
}

// Size returns the fixed pool size.
func (p *Pool) Size() int { return p.size }

// Acquire returns an exclusively-leased handle, blocking until one is free
// or timeout elapses. It fails with ErrPoolExhausted on timeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-p.free:
		h.leased = true
		handlesInUse.Inc()
		return h, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrPoolExhausted
	}
}

// Release returns a handle to the free set. Releasing a handle that is not
// leased returns ErrInvalidRelease and is otherwise a no-op. A transaction
// still open on the handle is rolled back so the next lessee starts clean.
func (p *Pool) Release(h *Handle) error {
	if h == nil || !h.leased {
		return ErrInvalidRelease
	}

	if h.inTx {
		if err := h.Rollback(); err != nil {
			p.logger.Warn("rollback on release failed", zap.Error(err))
		}
	}

	h.leased = false
	handlesInUse.Dec()

	select {
	case p.free <- h:
	case <-p.done:
		h.conn.Close()
	}
	return nil
}

// Close closes all pooled connections and the underlying database. Handles
// still leased are closed when released.
func (p *Pool) Close() error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}

	for {
		select {
		case h := <-p.free:
			h.conn.Close()
		default:
			return p.db.Close()
		}
	}
}

// WithConn acquires a handle, runs fn, and guarantees release on every exit
// path including panics.
func (p *Pool) WithConn(ctx context.Context, timeout time.Duration, fn func(h *Handle) error) error {
	h, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// WithTx acquires a handle, opens a transaction, runs fn, and commits on
// success or rolls back on failure. The handle is released on every exit
// path.
func (p *Pool) WithTx(ctx context.Context, timeout time.Duration, fn func(h *Handle) error) error {
	h, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer p.Release(h)

	if err := h.Begin(ctx); err != nil {
		return err
	}
	if err := fn(h); err != nil {
		if rbErr := h.Rollback(); rbErr != nil {
			p.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return h.Commit()
}

// Begin opens a transaction on the handle. Nested transactions are not
// permitted.
func (h *Handle) Begin(ctx context.Context) error {
	if h.inTx {
		return ErrNestedTransaction
	}
	if _, err := h.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("pool: begin transaction: %w", err)
	}
	h.inTx = true
	return nil
}

// Commit commits the open transaction. A COMMIT refused by lock contention
// leaves the transaction open, so it is re-issued with exponential backoff
// up to a bounded count before the busy error is surfaced. On failure the
// transaction stays open and is rolled back at Release.
func (h *Handle) Commit() error {
	if !h.inTx {
		return ErrNoTransaction
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = commitBackoffInitial

	err := backoff.Retry(func() error {
		_, err := h.conn.ExecContext(context.Background(), "COMMIT")
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(bo, defaultCommitRetries))
	if err != nil {
		return fmt.Errorf("pool: commit: %w", err)
	}
	h.inTx = false
	return nil
}

// Rollback aborts the open transaction.
func (h *Handle) Rollback() error {
	if !h.inTx {
		return ErrNoTransaction
	}
	h.inTx = false
	if _, err := h.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("pool: rollback: %w", err)
	}
	return nil
}

// InTransaction reports whether the handle has an open transaction.
func (h *Handle) InTransaction() bool { return h.inTx }

// ExecContext runs a statement on the handle. Statements issued between
// Begin and Commit share the open transaction because they run on the same
// dedicated connection.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the handle.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the handle.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

// isBusy reports whether err looks like SQLite lock contention.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
