package extractors

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// sqliteExtractor implements Extractor for SQLite.
type sqliteExtractor struct{}

// This is the extractor for SQLite
func (sqliteExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	mr, err := dbConn.QueryContext(ctx, `
	    SELECT type, name, rootpage, sql
		FROM sqlite_master
		WHERE type IN ('table', 'view')
		AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return s, fmt.Errorf("query sqlite_master: %w", err)
	}
	defer mr.Close()

	for mr.Next() {
		var typ, name string
		var rootpage sql.NullInt64
		var ddl sql.NullString
		if err := mr.Scan(&typ, &name, &rootpage, &ddl); err != nil {
			return s, fmt.Errorf("scan sqlite_master row: %w", err)
		}
		if opts.Excluded(name) {
			continue
		}
		switch typ {
		case "table":
			s.Tables = append(s.Tables, introspect.Table{Name: name, RootPage: rootpage.Int64, SQL: ddl.String})
		case "view":
			rp := rootpage.Int64
			s.Views = append(s.Views, introspect.View{Name: name, RootPage: &rp, SQL: ddl.String})
		}
	}
	if err := mr.Err(); err != nil {
		return s, fmt.Errorf("read sqlite_master: %w", err)
	}
	mr.Close()

	for i := range s.Tables {
		t := &s.Tables[i]
		if err := sqliteColumns(ctx, dbConn, t); err != nil {
			if !strings.HasPrefix(strings.ToUpper(t.SQL), "CREATE VIRTUAL TABLE") {
				return s, err
			}
			// virtual tables whose module is not loaded cannot be described
			logger.Warn("columns of virtual table %s: %v", t.Name, err)
		}
		if err := sqliteIndexes(ctx, dbConn, t); err != nil {
			return s, err
		}
		if err := sqliteForeignKeys(ctx, dbConn, t); err != nil {
			return s, err
		}
	}

	resolveImplicitTargets(&s)
	return s, nil
}

func sqliteColumns(ctx context.Context, dbConn *sql.DB, t *introspect.Table) error {
	rows, err := dbConn.QueryContext(ctx,
		`SELECT cid, name, type, "notnull", dflt_value, pk, hidden FROM pragma_table_xinfo(?)`, t.Name)
	if err != nil {
		return fmt.Errorf("query columns for %s: %w", t.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col introspect.Column
		var notnull int
		var dflt sql.NullString
		if err := rows.Scan(&col.CID, &col.Name, &col.Type, &notnull, &dflt, &col.PK, &col.Hidden); err != nil {
			return fmt.Errorf("scan column for %s: %w", t.Name, err)
		}
		col.NotNull = notnull != 0
		if dflt.Valid {
			col.DefaultValue = &dflt.String
		}
		t.Columns = append(t.Columns, col)
	}
	return rows.Err()
}

func sqliteIndexes(ctx context.Context, dbConn *sql.DB, t *introspect.Table) error {
	rows, err := dbConn.QueryContext(ctx,
		`SELECT seq, name, "unique", origin, partial FROM pragma_index_list(?)`, t.Name)
	if err != nil {
		return fmt.Errorf("query indexes for %s: %w", t.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx introspect.Index
		var unique, partial int
		if err := rows.Scan(&idx.Seq, &idx.Name, &unique, &idx.Origin, &partial); err != nil {
			return fmt.Errorf("scan index for %s: %w", t.Name, err)
		}
		idx.Unique = unique != 0
		idx.Partial = partial != 0
		t.Indexes = append(t.Indexes, idx)
	}
	return rows.Err()
}

func sqliteForeignKeys(ctx context.Context, dbConn *sql.DB, t *introspect.Table) error {
	rows, err := dbConn.QueryContext(ctx, `
	    SELECT id, seq, "table", "from", "to", on_update, on_delete, "match"
	    FROM pragma_foreign_key_list(?)`, t.Name)
	if err != nil {
		return fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var fk introspect.ForeignKey
		var to sql.NullString
		if err := rows.Scan(&fk.ID, &fk.Seq, &fk.Table, &fk.From, &to, &fk.OnUpdate, &fk.OnDelete, &fk.Match); err != nil {
			return fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
		}
		fk.To = to.String
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}
	return rows.Err()
}

// resolveImplicitTargets fills in the referenced column of foreign keys
// declared without one, which SQLite reports as NULL. They point at the
// referenced table's primary key.
func resolveImplicitTargets(s *introspect.Schema) {
	for i := range s.Tables {
		for j := range s.Tables[i].ForeignKeys {
			fk := &s.Tables[i].ForeignKeys[j]
			if fk.To != "" {
				continue
			}
			ref := s.Table(fk.Table)
			if ref == nil {
				continue
			}
			if pk := ref.PrimaryKey(); fk.Seq < len(pk) {
				fk.To = pk[fk.Seq]
			}
		}
	}
}

func (sqliteExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v int64
	if err := dbConn.QueryRowContext(ctx, `PRAGMA schema_version`).Scan(&v); err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

func init() {
	db.Register("sqlite3", sqliteExtractor{})
	db.Register("sqlite", sqliteExtractor{})
}
