package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/stm-data/internal/common/logger"
)

// ErrHandleClosed is returned by every operation on a handle that is not open.
var ErrHandleClosed = errors.New("store handle is closed")

type state int

const (
	stateUnopened state = iota
	stateOpen
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unopened"
	}
}

// Handle is the process-wide session with the backing store. It moves from
// unopened to open once and from open to closed once; a closed handle never
// reopens. It carries no entity-specific logic.
type Handle struct {
	driver string
	dsn    string
	logger logger.Logger

	mu    sync.RWMutex
	state state
	conn  *sql.DB

	// session admits one import writer at a time.
	session chan struct{}
}

// New returns an unopened handle for driver ("postgres", "pgx" or "sqlite").
func New(driver, dsn string, logger logger.Logger) *Handle {
	return &Handle{
		driver:  driver,
		dsn:     dsn,
		logger:  logger,
		session: make(chan struct{}, 1),
	}
}

// Open connects to the store. Calling it on an open handle is a no-op.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateOpen:
		return nil
	case stateClosed:
		return ErrHandleClosed
	}

	switch h.driver {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("unsupported driver %q", h.driver)
	}

	conn, err := sql.Open(h.driver, h.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if h.driver == "sqlite" {
		// One connection keeps writers serialized and pragmas applied.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	h.conn = conn
	h.state = stateOpen
	h.logger.Info("Database connection established", "driver", h.driver)
	return nil
}

// Close releases the connection. Every later operation fails with
// ErrHandleClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.state == stateOpen {
		err = h.conn.Close()
		h.conn = nil
		h.logger.Info("Database connection closed")
	}
	h.state = stateClosed
	return err
}

// Driver returns the configured driver name.
func (h *Handle) Driver() string {
	return h.driver
}

// Logger returns the logger instance
func (h *Handle) Logger() logger.Logger {
	return h.logger
}

// IsOpen reports whether the handle accepts operations.
func (h *Handle) IsOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == stateOpen
}

func (h *Handle) db() (*sql.DB, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state != stateOpen {
		return nil, ErrHandleClosed
	}
	return h.conn, nil
}

// Acquire takes the import session lock, blocking until it is free or ctx is
// done. Readers never need it.
func (h *Handle) Acquire(ctx context.Context) (release func(), err error) {
	if _, err := h.db(); err != nil {
		return nil, err
	}
	select {
	case h.session <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for import session: %w", ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-h.session })
	}, nil
}

// BeginTx starts a transaction on the open handle.
func (h *Handle) BeginTx(ctx context.Context) (*sql.Tx, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	return conn.BeginTx(ctx, nil)
}

// QueryContext runs a read query.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a read query expected to return at most one row.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	conn, err := h.db()
	if err != nil {
		return nil, err
	}
	return conn.QueryRowContext(ctx, query, args...), nil
}
