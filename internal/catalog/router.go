package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"dbcatalog/internal/logger"
	"dbcatalog/pkg/config"
)

// readOnlyTx lists the dialects whose drivers enforce sql.TxOptions.ReadOnly.
// Handles on other non-SQLite engines run in a transaction that is always
// rolled back.
var readOnlyTx = map[string]bool{
	"postgres": true,
	"mysql":    true,
	"godror":   true,
}

// Router is the query surface over a Catalog. Every call first makes sure
// the catalog is fresh.
type Router struct {
	catalog *Catalog
}

// NewRouter returns a Router reading from c.
func NewRouter(c *Catalog) *Router {
	return &Router{catalog: c}
}

// Execute runs a read-only statement against the current snapshot. Write
// statements fail with *ReadOnlyViolation before the catalog is touched.
func (r *Router) Execute(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	snap, err := r.catalog.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Query(ctx, query, args...)
}

// ExecuteFn calls fn with a read-only handle on target: InternalDatabase
// (or "") for the catalog store of a fresh snapshot, otherwise the name of
// an attached database. The handle is released when fn returns and must not
// be kept.
func (r *Router) ExecuteFn(ctx context.Context, target string, fn func(*Handle) error) error {
	var (
		pool    *sql.DB
		dialect = "sqlite"
		name    = target
	)
	if target == "" || target == InternalDatabase {
		snap, err := r.catalog.EnsureFresh(ctx)
		if err != nil {
			return err
		}
		pool, name = snap.store.reader, InternalDatabase
		defer runtime.KeepAlive(snap)
	} else {
		d, err := r.catalog.database(target)
		if err != nil {
			return err
		}
		pool, dialect = d.Conn, config.NormalizeDriver(d.Dialect)
	}

	conn, err := pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire handle on %s: %w", name, err)
	}
	h := &Handle{database: name, dialect: dialect, conn: conn}
	defer h.release(ctx)

	switch {
	case name == InternalDatabase:
		// the reader pool is opened with query_only
	case dialect == "sqlite":
		if _, err := conn.ExecContext(ctx, `PRAGMA query_only = 1`); err != nil {
			return fmt.Errorf("acquire handle on %s: %w", name, err)
		}
		h.restore = true
	default:
		tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnlyTx[dialect]})
		if err != nil {
			return fmt.Errorf("acquire handle on %s: %w", name, err)
		}
		h.tx = tx
	}
	return fn(h)
}

// Handle is scoped, read-only access to one database connection, valid only
// inside the ExecuteFn callback that received it.
type Handle struct {
	database string
	dialect  string
	conn     *sql.Conn
	tx       *sql.Tx
	restore  bool
	released atomic.Bool
}

// Database returns the name of the database behind the handle.
func (h *Handle) Database() string { return h.database }

// Dialect returns the normalized dialect of the database behind the handle.
func (h *Handle) Dialect() string { return h.dialect }

// Query runs a read statement and returns all of its rows.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if h.tx != nil {
		rows, err = h.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = h.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, readOnlyError(query, err)
	}
	defer rows.Close()
	return collect(rows)
}

// QueryRow runs a read statement and returns its first row, or sql.ErrNoRows.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rs, err := h.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if rs.Len() == 0 {
		return nil, sql.ErrNoRows
	}
	return rs.Rows[0], nil
}

func (h *Handle) release(ctx context.Context) {
	h.released.Store(true)
	if h.tx != nil {
		if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn("roll back handle on %s: %v", h.database, err)
		}
	}
	if h.restore {
		// the connection goes back to the host's pool
		if _, err := h.conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA query_only = 0`); err != nil {
			logger.Warn("restore query_only on %s: %v", h.database, err)
			// never hand a read-only connection back to the pool
			_ = h.conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}
	h.conn.Close()
}
