package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
)

func TestExecuteRejectsWritesBeforeBuilding(t *testing.T) {
	c := newCatalog(t, Options{}, sqliteDB(t, "fixtures", fixtureSchema...))

	_, err := NewRouter(c).Execute(context.Background(), "DELETE FROM catalog_tables")
	var rov *ReadOnlyViolation
	require.ErrorAs(t, err, &rov)
	assert.EqualValues(t, 0, c.Rebuilds())
	assert.Nil(t, c.Current())
}

func TestExecuteWithArgs(t *testing.T) {
	c := newCatalog(t, Options{}, sqliteDB(t, "fixtures", fixtureSchema...))

	rs, err := NewRouter(c).Execute(context.Background(),
		"SELECT view_name FROM catalog_views WHERE view_name LIKE ? ORDER BY view_name", "searchable%")
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	assert.Equal(t, "searchable_view", rs.Rows[0]["view_name"])
}

func TestExecuteFnHandle(t *testing.T) {
	ctx := context.Background()
	fixtures := sqliteDB(t, "fixtures", fixtureSchema...)
	fixtures.Conn.SetMaxOpenConns(1)
	c := newCatalog(t, Options{}, fixtures)
	r := NewRouter(c)

	var kept *Handle
	err := r.ExecuteFn(ctx, "fixtures", func(h *Handle) error {
		kept = h
		assert.Equal(t, "fixtures", h.Database())
		assert.Equal(t, "sqlite", h.Dialect())

		row, err := h.QueryRow(ctx, "SELECT count(*) AS n FROM simple_primary_key")
		require.NoError(t, err)
		assert.EqualValues(t, 0, row["n"])

		_, err = h.QueryRow(ctx, "SELECT * FROM simple_primary_key")
		assert.ErrorIs(t, err, sql.ErrNoRows)

		_, err = h.Query(ctx, "INSERT INTO simple_primary_key VALUES ('a', 'b')")
		var rov *ReadOnlyViolation
		assert.ErrorAs(t, err, &rov)
		return nil
	})
	require.NoError(t, err)

	_, err = kept.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrHandleReleased)

	// the host's connection is writable again once the handle is released
	_, err = fixtures.Conn.Exec("INSERT INTO simple_primary_key VALUES ('a', 'b')")
	require.NoError(t, err)
}

func TestExecuteFnInternal(t *testing.T) {
	ctx := context.Background()
	c := newCatalog(t, Options{}, sqliteDB(t, "fixtures", fixtureSchema...))

	for _, target := range []string{"", InternalDatabase} {
		err := NewRouter(c).ExecuteFn(ctx, target, func(h *Handle) error {
			assert.Equal(t, InternalDatabase, h.Database())
			rs, err := h.Query(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'catalog_%'")
			require.NoError(t, err)
			assert.Equal(t, len(RelationNames), rs.Len())
			return nil
		})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, c.Rebuilds())
}

func TestExecuteFnErrors(t *testing.T) {
	ctx := context.Background()
	f := &fakeExtractor{version: "1", schema: introspect.Schema{}}
	c := newCatalog(t, Options{}, fakeDB(t, "remote", f))
	r := NewRouter(c)

	err := r.ExecuteFn(ctx, "nowhere", func(*Handle) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownDatabase)

	boom := errors.New("boom")
	err = r.ExecuteFn(ctx, InternalDatabase, func(*Handle) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = r.ExecuteFn(ctx, "remote", func(h *Handle) error {
		_, err := ValidateHandle(ctx, h)
		return err
	})
	assert.Error(t, err, "raw validation needs a sqlite handle")
}

func TestExecuteFnServerHandleRunsInReadOnlyTx(t *testing.T) {
	ctx := context.Background()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	c := newCatalog(t, Options{}, db.Database{Name: "shop", Dialect: "postgres", Conn: conn})
	r := NewRouter(c)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) AS n FROM books`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	mock.ExpectQuery(`SELECT \* FROM books FOR UPDATE`).
		WillReturnError(&pq.Error{Code: "25006", Message: "cannot execute SELECT FOR UPDATE in a read-only transaction"})
	mock.ExpectRollback()

	err = r.ExecuteFn(ctx, "shop", func(h *Handle) error {
		assert.Equal(t, "postgres", h.Dialect())

		row, err := h.QueryRow(ctx, "SELECT count(*) AS n FROM books")
		require.NoError(t, err)
		assert.EqualValues(t, 3, row["n"])

		var rov *ReadOnlyViolation
		for _, stmt := range []string{
			"EXPLAIN ANALYZE DELETE FROM books",
			"SELECT * INTO stolen FROM books",
			"SELECT * FROM books INTO OUTFILE '/tmp/books.csv'",
		} {
			_, err := h.Query(ctx, stmt)
			assert.ErrorAs(t, err, &rov, stmt)
		}

		// refused by the engine itself
		_, err = h.Query(ctx, "SELECT * FROM books FOR UPDATE")
		assert.ErrorAs(t, err, &rov)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteFnServerHandleTxOptions(t *testing.T) {
	var tests = []struct {
		dialect  string
		readOnly bool
	}{
		{"postgres", true},
		{"postgresql", true},
		{"mysql", true},
		{"oracle", true},
		{"sqlserver", false},
		{"duckdb", false},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			rec := &txRecorder{}
			conn := sql.OpenDB(rec)
			defer conn.Close()
			c := newCatalog(t, Options{}, db.Database{Name: "remote", Dialect: tt.dialect, Conn: conn})

			err := NewRouter(c).ExecuteFn(context.Background(), "remote", func(*Handle) error { return nil })
			require.NoError(t, err)
			if got := rec.begun(); len(got) != 1 || got[0] != tt.readOnly {
				t.Errorf("\ngot read-only flags:\n%v\nwanted:\n[%v]", got, tt.readOnly)
			}
			if rec.rollbacks.Load() != 1 {
				t.Errorf("\ngot %d rollbacks, wanted 1", rec.rollbacks.Load())
			}
		})
	}
}

// txRecorder is a driver that only records the transactions begun on it.
type txRecorder struct {
	mu        sync.Mutex
	readOnly  []bool
	rollbacks atomic.Int32
}

func (r *txRecorder) Connect(context.Context) (driver.Conn, error) { return &recorderConn{r}, nil }
func (r *txRecorder) Driver() driver.Driver                        { return r }
func (r *txRecorder) Open(string) (driver.Conn, error)             { return &recorderConn{r}, nil }

func (r *txRecorder) begun() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.readOnly)
}

type recorderConn struct{ r *txRecorder }

func (c *recorderConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *recorderConn) Close() error                        { return nil }
func (c *recorderConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *recorderConn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.readOnly = append(c.r.readOnly, opts.ReadOnly)
	return recorderTx{c.r}, nil
}

type recorderTx struct{ r *txRecorder }

func (recorderTx) Commit() error     { return nil }
func (t recorderTx) Rollback() error { t.r.rollbacks.Add(1); return nil }
