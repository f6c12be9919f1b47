//go:build oracle
// +build oracle

package extractors

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/godror/godror"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// oracleExtractor implements Extractor for Oracle over the connected user's
// own objects.
type oracleExtractor struct{}

// This is the extractor for Oracle
func (oracleExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	tr, err := dbConn.QueryContext(ctx, `
	    SELECT t.table_name, NVL(o.data_object_id, 0)
	    FROM user_tables t
	    JOIN user_objects o
	      ON o.object_name = t.table_name
	     AND o.object_type = 'TABLE'
	    ORDER BY t.table_name`)
	if err != nil {
		return s, fmt.Errorf("query tables: %w", err)
	}
	defer tr.Close()

	for tr.Next() {
		var tab introspect.Table
		if err := tr.Scan(&tab.Name, &tab.RootPage); err != nil {
			return s, fmt.Errorf("scan table row: %w", err)
		}
		if !opts.Excluded(tab.Name) {
			s.Tables = append(s.Tables, tab)
		}
	}
	if err := tr.Err(); err != nil {
		return s, fmt.Errorf("read tables: %w", err)
	}
	tr.Close()

	vr, err := dbConn.QueryContext(ctx, `SELECT view_name, text FROM user_views ORDER BY view_name`)
	if err != nil {
		return s, fmt.Errorf("query views: %w", err)
	}
	defer vr.Close()
	for vr.Next() {
		var v introspect.View
		var text sql.NullString
		if err := vr.Scan(&v.Name, &text); err != nil {
			return s, fmt.Errorf("scan view row: %w", err)
		}
		v.SQL = fmt.Sprintf("CREATE VIEW %s AS %s", v.Name, text.String)
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
            SELECT column_id - 1, column_name, data_type,
                   CASE WHEN nullable = 'N' THEN 1 ELSE 0 END, data_default
            FROM user_tab_columns
            WHERE table_name = :1
            ORDER BY column_id`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query columns for %s: %w", t.Name, err)
		}
		for cr.Next() {
			var col introspect.Column
			var notNull int
			var dflt sql.NullString
			if err := cr.Scan(&col.CID, &col.Name, &col.Type, &notNull, &dflt); err != nil {
				cr.Close()
				return s, fmt.Errorf("scan column for %s: %w", t.Name, err)
			}
			col.NotNull = notNull == 1
			if dflt.Valid {
				col.DefaultValue = &dflt.String
			}
			t.Columns = append(t.Columns, col)
		}
		cr.Close()

		pkr, err := dbConn.QueryContext(ctx, `
            SELECT acc.column_name, acc.position
            FROM user_cons_columns acc
            JOIN user_constraints ac ON acc.constraint_name = ac.constraint_name
            WHERE ac.constraint_type = 'P' AND acc.table_name = :1`, t.Name)
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
            SELECT i.index_name,
                   CASE WHEN i.uniqueness = 'UNIQUE' THEN 1 ELSE 0 END,
                   CASE WHEN c.constraint_type = 'P' THEN 'pk' WHEN c.constraint_type = 'U' THEN 'u' ELSE 'c' END
            FROM user_indexes i
            LEFT JOIN user_constraints c
              ON c.index_name = i.index_name
             AND c.constraint_type IN ('P', 'U')
            WHERE i.table_name = :1
            ORDER BY i.index_name`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query indexes for %s: %w", t.Name, err)
		}
		for ir.Next() {
			idx := introspect.Index{Seq: len(t.Indexes)}
			var unique int
			if err := ir.Scan(&idx.Name, &unique, &idx.Origin); err != nil {
				ir.Close()
				return s, fmt.Errorf("scan index for %s: %w", t.Name, err)
			}
			idx.Unique = unique == 1
			t.Indexes = append(t.Indexes, idx)
		}
		ir.Close()

		fkr, err := dbConn.QueryContext(ctx, `
            SELECT a.constraint_name, acc.position - 1, rcc.table_name, acc.column_name, rcc.column_name, a.delete_rule
            FROM user_constraints a
            JOIN user_cons_columns acc
              ON a.constraint_name = acc.constraint_name
            JOIN all_cons_columns rcc
              ON a.r_owner = rcc.owner
             AND a.r_constraint_name = rcc.constraint_name
             AND nvl(acc.position, 0) = nvl(rcc.position, 0)
            WHERE a.constraint_type = 'R' AND a.table_name = :1
            ORDER BY a.constraint_name, acc.position`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
		}
		var ids constraintIDs
		for fkr.Next() {
			var fk introspect.ForeignKey
			var cname, del string
			if err := fkr.Scan(&cname, &fk.Seq, &fk.Table, &fk.From, &fk.To, &del); err != nil {
				fkr.Close()
				return s, fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
			}
			fk.ID = ids.id(cname)
			// Oracle has no ON UPDATE actions
			fk.OnUpdate, fk.OnDelete, fk.Match = "NO ACTION", ruleName(del), "NONE"
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		fkr.Close()
	}

	return s, nil
}

func (oracleExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v string
	err := dbConn.QueryRowContext(ctx, `
        SELECT COUNT(*) || ':' || TO_CHAR(MAX(last_ddl_time), 'YYYYMMDDHH24MISS')
        FROM user_objects`).Scan(&v)
	return v, err
}

func init() {
	db.Register("godror", oracleExtractor{})
	db.Register("oracle", oracleExtractor{})
}
