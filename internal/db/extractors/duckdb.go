//go:build duckdb

package extractors

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// duckExtractor implements Extractor for DuckDB using the duckdb_* table
// functions, restricted to the current database and schema.
type duckExtractor struct{}

const duckScope = `database_name = current_database() AND schema_name = current_schema()`

// This is the extractor for DuckDB
func (duckExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	tr, err := dbConn.QueryContext(ctx, `
	    SELECT table_name, table_oid, sql
	    FROM duckdb_tables()
	    WHERE `+duckScope+`
	    ORDER BY table_name`)
	if err != nil {
		return s, fmt.Errorf("query tables: %w", err)
	}
	defer tr.Close()
	for tr.Next() {
		var tab introspect.Table
		var ddl sql.NullString
		if err := tr.Scan(&tab.Name, &tab.RootPage, &ddl); err != nil {
			return s, fmt.Errorf("scan table row: %w", err)
		}
		tab.SQL = ddl.String
		if !opts.Excluded(tab.Name) {
			s.Tables = append(s.Tables, tab)
		}
	}
	if err := tr.Err(); err != nil {
		return s, fmt.Errorf("read tables: %w", err)
	}
	tr.Close()

	vr, err := dbConn.QueryContext(ctx, `
	    SELECT view_name, sql
	    FROM duckdb_views()
	    WHERE NOT internal AND `+duckScope+`
	    ORDER BY view_name`)
	if err != nil {
		return s, fmt.Errorf("query views: %w", err)
	}
	defer vr.Close()
	for vr.Next() {
		var v introspect.View
		var ddl sql.NullString
		if err := vr.Scan(&v.Name, &ddl); err != nil {
			return s, fmt.Errorf("scan view row: %w", err)
		}
		v.SQL = ddl.String
		if !opts.Excluded(v.Name) {
			s.Views = append(s.Views, v)
		}
	}
	if err := vr.Err(); err != nil {
		return s, fmt.Errorf("read views: %w", err)
	}
	vr.Close()

	for i := range s.Tables {
		t := &s.Tables[i]
		cr, err := dbConn.QueryContext(ctx, `
	        SELECT column_index - 1, column_name, data_type, NOT is_nullable, column_default
	        FROM duckdb_columns()
	        WHERE `+duckScope+` AND table_name = ?
	        ORDER BY column_index`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query columns for %s: %w", t.Name, err)
		}
		for cr.Next() {
			var col introspect.Column
			var dflt sql.NullString
			if err := cr.Scan(&col.CID, &col.Name, &col.Type, &col.NotNull, &dflt); err != nil {
				cr.Close()
				return s, fmt.Errorf("scan column for %s: %w", t.Name, err)
			}
			if dflt.Valid {
				col.DefaultValue = &dflt.String
			}
			t.Columns = append(t.Columns, col)
		}
		cr.Close()

		pkr, err := dbConn.QueryContext(ctx, `
	        SELECT unnest(constraint_column_names), unnest(range(1, len(constraint_column_names) + 1))
	        FROM duckdb_constraints()
	        WHERE constraint_type = 'PRIMARY KEY' AND `+duckScope+` AND table_name = ?`, t.Name)
		if err == nil {
			for pkr.Next() {
				var pkcol string
				var pos int
				if err := pkr.Scan(&pkcol, &pos); err == nil {
					markPrimaryKey(t, pkcol, pos)
				} else {
					logger.Error("scan primary key: %v", err)
				}
			}
			pkr.Close()
		} else {
			logger.Error("query primary key: %v", err)
		}

		ir, err := dbConn.QueryContext(ctx, `
	        SELECT index_name, is_unique
	        FROM duckdb_indexes()
	        WHERE `+duckScope+` AND table_name = ?
	        ORDER BY index_name`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query indexes for %s: %w", t.Name, err)
		}
		for ir.Next() {
			idx := introspect.Index{Seq: len(t.Indexes), Origin: introspect.OriginCreated}
			if err := ir.Scan(&idx.Name, &idx.Unique); err != nil {
				ir.Close()
				return s, fmt.Errorf("scan index for %s: %w", t.Name, err)
			}
			t.Indexes = append(t.Indexes, idx)
		}
		ir.Close()

		fkr, err := dbConn.QueryContext(ctx, `
	        SELECT constraint_index, unnest(range(0, len(constraint_column_names))), referenced_table,
	               unnest(constraint_column_names), unnest(referenced_column_names)
	        FROM duckdb_constraints()
	        WHERE constraint_type = 'FOREIGN KEY' AND `+duckScope+` AND table_name = ?
	        ORDER BY constraint_index`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
		}
		var ids constraintIDs
		for fkr.Next() {
			var fk introspect.ForeignKey
			var cidx int64
			if err := fkr.Scan(&cidx, &fk.Seq, &fk.Table, &fk.From, &fk.To); err != nil {
				fkr.Close()
				return s, fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
			}
			fk.ID = ids.id(fmt.Sprint(cidx))
			// DuckDB does not support referential actions
			fk.OnUpdate, fk.OnDelete, fk.Match = "NO ACTION", "NO ACTION", "NONE"
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		fkr.Close()
	}

	return s, nil
}

func (duckExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v string
	err := dbConn.QueryRowContext(ctx, `
	    SELECT md5(coalesce(string_agg(sql, ';' ORDER BY sql), ''))
	    FROM (
	        SELECT sql FROM duckdb_tables() WHERE `+duckScope+`
	        UNION ALL SELECT sql FROM duckdb_views() WHERE NOT internal AND `+duckScope+`
	        UNION ALL SELECT sql FROM duckdb_indexes() WHERE `+duckScope+`
	    )`).Scan(&v)
	return v, err
}

func init() {
	db.Register("duckdb", duckExtractor{})
}
