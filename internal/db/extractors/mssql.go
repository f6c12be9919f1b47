package extractors

import (
	"context"
	"database/sql"
	"fmt"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// mssqlExtractor implements Extractor for Microsoft SQL Server. The default
// schema of the login is introspected.
type mssqlExtractor struct{}

// This is the extractor for Microsoft SQL Server
func (mssqlExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	tr, err := dbConn.QueryContext(ctx, `
        SELECT t.name, t.object_id
        FROM sys.tables AS t
        WHERE t.schema_id = SCHEMA_ID()
        ORDER BY t.name`)
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

	vr, err := dbConn.QueryContext(ctx, `
        SELECT v.name, m.definition
        FROM sys.views AS v
        LEFT JOIN sys.sql_modules AS m ON m.object_id = v.object_id
        WHERE v.schema_id = SCHEMA_ID()
        ORDER BY v.name`)
	if err != nil {
		return s, fmt.Errorf("query views: %w", err)
	}
	defer vr.Close()
	for vr.Next() {
		var v introspect.View
		var def sql.NullString
		if err := vr.Scan(&v.Name, &def); err != nil {
			return s, fmt.Errorf("scan view row: %w", err)
		}
		v.SQL = def.String
		if !opts.Excluded(v.Name) {
			s.Views = append(s.Views, v)
		}
	}
	if err := vr.Err(); err != nil {
		return s, fmt.Errorf("read views: %w", err)
	}
	vr.Close()

	// columns, keys and indexes for each table
	for i := range s.Tables {
		t := &s.Tables[i]
		table := sql.Named("table", t.Name)

		cr, err := dbConn.QueryContext(ctx, `
            SELECT c.column_id - 1, c.name, TYPE_NAME(c.user_type_id),
                   CASE WHEN c.is_nullable = 0 THEN 1 ELSE 0 END, dc.definition
            FROM sys.columns AS c
            LEFT JOIN sys.default_constraints AS dc ON dc.object_id = c.default_object_id
            WHERE c.object_id = OBJECT_ID(@table)
            ORDER BY c.column_id`, table)
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

		// primary keys
		pkr, err := dbConn.QueryContext(ctx, `
            SELECT k.COLUMN_NAME, k.ORDINAL_POSITION
            FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS t
            JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k ON t.CONSTRAINT_NAME = k.CONSTRAINT_NAME AND t.TABLE_SCHEMA = k.TABLE_SCHEMA
            WHERE t.CONSTRAINT_TYPE = 'PRIMARY KEY' AND k.TABLE_SCHEMA = SCHEMA_NAME() AND k.TABLE_NAME = @table`, table)
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
            SELECT i.name, i.is_unique, i.has_filter,
                   CASE WHEN i.is_primary_key = 1 THEN 'pk' WHEN i.is_unique_constraint = 1 THEN 'u' ELSE 'c' END
            FROM sys.indexes AS i
            WHERE i.object_id = OBJECT_ID(@table) AND i.type > 0
            ORDER BY i.name`, table)
		if err != nil {
			return s, fmt.Errorf("query indexes for %s: %w", t.Name, err)
		}
		for ir.Next() {
			idx := introspect.Index{Seq: len(t.Indexes)}
			if err := ir.Scan(&idx.Name, &idx.Unique, &idx.Partial, &idx.Origin); err != nil {
				ir.Close()
				return s, fmt.Errorf("scan index for %s: %w", t.Name, err)
			}
			t.Indexes = append(t.Indexes, idx)
		}
		ir.Close()

		fkr, err := dbConn.QueryContext(ctx, `
            SELECT fk.name, fkc.constraint_column_id - 1, OBJECT_NAME(fkc.referenced_object_id),
                   c.name, rc.name, fk.update_referential_action_desc, fk.delete_referential_action_desc
            FROM sys.foreign_keys AS fk
            JOIN sys.foreign_key_columns AS fkc ON fk.object_id = fkc.constraint_object_id
            JOIN sys.columns AS c ON fkc.parent_object_id = c.object_id AND fkc.parent_column_id = c.column_id
            JOIN sys.columns AS rc ON fkc.referenced_object_id = rc.object_id AND fkc.referenced_column_id = rc.column_id
            WHERE fk.parent_object_id = OBJECT_ID(@table)
            ORDER BY fk.name, fkc.constraint_column_id`, table)
		if err != nil {
			return s, fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
		}
		var ids constraintIDs
		for fkr.Next() {
			var fk introspect.ForeignKey
			var cname, upd, del string
			if err := fkr.Scan(&cname, &fk.Seq, &fk.Table, &fk.From, &fk.To, &upd, &del); err != nil {
				fkr.Close()
				return s, fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
			}
			fk.ID = ids.id(cname)
			fk.OnUpdate, fk.OnDelete, fk.Match = ruleName(upd), ruleName(del), "NONE"
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		fkr.Close()
	}

	return s, nil
}

func (mssqlExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v string
	err := dbConn.QueryRowContext(ctx, `
        SELECT CONCAT(COUNT(*), ':', CONVERT(varchar(33), MAX(modify_date), 126))
        FROM sys.objects
        WHERE is_ms_shipped = 0`).Scan(&v)
	return v, err
}

func init() {
	db.Register("sqlserver", mssqlExtractor{})
	db.Register("mssql", mssqlExtractor{})
}
