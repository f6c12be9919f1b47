package db

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"dbcatalog/internal/introspect"
	"dbcatalog/pkg/config"
)

type Extractor interface {

	// Extract reads tables, views, indexes and foreign keys of the database
	// behind db. Objects named in opts.Exclude may be skipped early.
	Extract(ctx context.Context, db *sql.DB, opts Options) (introspect.Schema, error)

	// SchemaVersion returns an opaque marker that changes whenever the schema does.
	SchemaVersion(ctx context.Context, db *sql.DB) (string, error)
}

// Options tune an extraction.
type Options struct {
	// Exclude lists object names that must never appear in the result.
	Exclude []string
}

// Excluded reports whether name is one of the excluded objects.
func (o Options) Excluded(name string) bool {
	return slices.Contains(o.Exclude, name)
}

// Database is one attached database: a stable name, the dialect used to
// introspect it and the live handle owned by the host.
type Database struct {
	Name    string
	Dialect string
	Conn    *sql.DB
}

// SchemaReadError reports that the schema of one attached database could not
// be read.
type SchemaReadError struct {
	Database string
	Err      error
}

func (e *SchemaReadError) Error() string {
	return fmt.Sprintf("read schema of %q: %v", e.Database, e.Err)
}

func (e *SchemaReadError) Unwrap() error { return e.Err }

var dialects = map[string]Extractor{}

// Register makes an Extractor available under name.
func Register(name string, e Extractor) {
	dialects[strings.ToLower(name)] = e
}

// listRegistered returns the registered dialect keys (for diagnostics).
func listRegistered() []string {
	keys := make([]string, 0, len(dialects))
	for k := range dialects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// RegisteredDialects is a helper that allows main to print registered dialects
func RegisteredDialects() []string {
	return listRegistered()
}

func lookup(dialect string) (Extractor, error) {
	e, ok := dialects[config.NormalizeDriver(dialect)]
	if !ok {
		return nil, fmt.Errorf("dialect not registered: %q (available: %v)", dialect, listRegistered())
	}
	return e, nil
}

// Open opens a handle for driver/dsn and checks that it answers within timeout.
func Open(driver, dsn string, timeout time.Duration) (*sql.DB, error) {
	driver = config.NormalizeDriver(driver)
	if _, err := lookup(driver); err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Introspect reads the schema of d. The result is filtered by opts.Exclude and
// sorted by object name so that a fixed schema always yields the same value.
func Introspect(ctx context.Context, d Database, opts Options) (introspect.Schema, error) {
	e, err := lookup(d.Dialect)
	if err != nil {
		return introspect.Schema{}, &SchemaReadError{Database: d.Name, Err: err}
	}
	if d.Conn == nil {
		return introspect.Schema{}, &SchemaReadError{Database: d.Name, Err: fmt.Errorf("no connection")}
	}
	s, err := e.Extract(ctx, d.Conn, opts)
	if err != nil {
		return introspect.Schema{}, &SchemaReadError{Database: d.Name, Err: err}
	}
	return normalize(s, opts), nil
}

// SchemaVersion returns the current schema-version marker of d.
func SchemaVersion(ctx context.Context, d Database) (string, error) {
	e, err := lookup(d.Dialect)
	if err != nil {
		return "", &SchemaReadError{Database: d.Name, Err: err}
	}
	if d.Conn == nil {
		return "", &SchemaReadError{Database: d.Name, Err: fmt.Errorf("no connection")}
	}
	v, err := e.SchemaVersion(ctx, d.Conn)
	if err != nil {
		return "", &SchemaReadError{Database: d.Name, Err: fmt.Errorf("schema version: %w", err)}
	}
	return v, nil
}

func normalize(s introspect.Schema, opts Options) introspect.Schema {
	s.Tables = slices.DeleteFunc(s.Tables, func(t introspect.Table) bool { return opts.Excluded(t.Name) })
	s.Views = slices.DeleteFunc(s.Views, func(v introspect.View) bool { return opts.Excluded(v.Name) })

	slices.SortFunc(s.Tables, func(a, b introspect.Table) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(s.Views, func(a, b introspect.View) int { return cmp.Compare(a.Name, b.Name) })
	for i := range s.Tables {
		t := &s.Tables[i]
		slices.SortFunc(t.Columns, func(a, b introspect.Column) int { return cmp.Compare(a.CID, b.CID) })
		slices.SortFunc(t.Indexes, func(a, b introspect.Index) int { return cmp.Compare(a.Name, b.Name) })
		slices.SortFunc(t.ForeignKeys, func(a, b introspect.ForeignKey) int {
			return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.Seq, b.Seq))
		})
	}
	return s
}
