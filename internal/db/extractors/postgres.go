package extractors

import (
	"context"
	"database/sql"
	"fmt"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// pgExtractor implements Extractor using pg_catalog + information_schema queries.
// Only the current schema is introspected; its object names are unique.
type pgExtractor struct{}

// pgActions maps pg_constraint action codes to SQL keywords.
var pgActions = map[string]string{
	"a": "NO ACTION",
	"r": "RESTRICT",
	"c": "CASCADE",
	"n": "SET NULL",
	"d": "SET DEFAULT",
}

var pgMatch = map[string]string{
	"f": "FULL",
	"p": "PARTIAL",
	"s": "NONE",
}

// This is the extractor for PostgreSQL
func (pgExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	tr, err := dbConn.QueryContext(ctx, `
        SELECT c.relname, c.relfilenode
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE c.relkind IN ('r', 'p')
          AND n.nspname = current_schema()
        ORDER BY c.relname`)
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
        SELECT c.relname, pg_get_viewdef(c.oid, true)
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE c.relkind IN ('v', 'm')
          AND n.nspname = current_schema()
        ORDER BY c.relname`)
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
		v.SQL = fmt.Sprintf("CREATE VIEW %s AS %s", v.Name, def.String)
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
            SELECT ordinal_position - 1, column_name, data_type, is_nullable = 'NO', column_default
            FROM information_schema.columns
            WHERE table_schema = current_schema() AND table_name = $1
            ORDER BY ordinal_position`, t.Name)
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
            SELECT a.attname, array_position(i.indkey::int2[], a.attnum)
            FROM pg_index i
            JOIN pg_class c ON i.indrelid = c.oid
            JOIN pg_namespace ns ON c.relnamespace = ns.oid
            JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
            WHERE ns.nspname = current_schema() AND c.relname = $1 AND i.indisprimary`, t.Name)
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
            SELECT ic.relname, i.indisunique, i.indpred IS NOT NULL,
                   CASE WHEN i.indisprimary THEN 'pk' WHEN con.contype = 'u' THEN 'u' ELSE 'c' END
            FROM pg_index i
            JOIN pg_class ic ON ic.oid = i.indexrelid
            JOIN pg_class tc ON tc.oid = i.indrelid
            JOIN pg_namespace n ON n.oid = tc.relnamespace
            LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid AND con.contype IN ('p', 'u')
            WHERE n.nspname = current_schema() AND tc.relname = $1
            ORDER BY ic.relname`, t.Name)
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
            SELECT con.conname, k.ord - 1, rt.relname, a.attname, ra.attname,
                   con.confupdtype, con.confdeltype, con.confmatchtype
            FROM pg_constraint con
            JOIN pg_class t ON t.oid = con.conrelid
            JOIN pg_namespace n ON n.oid = t.relnamespace
            JOIN pg_class rt ON rt.oid = con.confrelid
            CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, refattnum, ord)
            JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
            JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = k.refattnum
            WHERE con.contype = 'f' AND n.nspname = current_schema() AND t.relname = $1
            ORDER BY con.conname, k.ord`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
		}
		var ids constraintIDs
		for fkr.Next() {
			var fk introspect.ForeignKey
			var name, upd, del, match string
			if err := fkr.Scan(&name, &fk.Seq, &fk.Table, &fk.From, &fk.To, &upd, &del, &match); err != nil {
				fkr.Close()
				return s, fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
			}
			fk.ID = ids.id(name)
			fk.OnUpdate, fk.OnDelete, fk.Match = pgActions[upd], pgActions[del], pgMatch[match]
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		fkr.Close()
	}

	return s, nil
}

// SchemaVersion fingerprints the relations, live columns and constraints of
// the current schema. Dropped columns stay in pg_attribute, so they are
// filtered out.
func (pgExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v string
	err := dbConn.QueryRowContext(ctx, `
        SELECT md5(
            coalesce((SELECT string_agg(c.oid::text || ':' || c.relname || ':' || c.relkind, ',' ORDER BY c.oid)
                      FROM pg_class c
                      JOIN pg_namespace n ON n.oid = c.relnamespace
                      WHERE n.nspname = current_schema()), '')
            || '|' ||
            coalesce((SELECT string_agg(a.attrelid::text || ':' || a.attnum::text || ':' || a.attname || ':' ||
                                        a.atttypid::text || ':' || a.attnotnull::text, ',' ORDER BY a.attrelid, a.attnum)
                      FROM pg_attribute a
                      JOIN pg_class c ON c.oid = a.attrelid
                      JOIN pg_namespace n ON n.oid = c.relnamespace
                      WHERE n.nspname = current_schema() AND a.attnum > 0 AND NOT a.attisdropped), '')
            || '|' ||
            coalesce((SELECT string_agg(co.oid::text || ':' || co.conname || ':' || co.contype, ',' ORDER BY co.oid)
                      FROM pg_constraint co
                      JOIN pg_namespace cn ON cn.oid = co.connamespace
                      WHERE cn.nspname = current_schema()), ''))`).Scan(&v)
	return v, err
}

func init() {
	db.Register("postgres", pgExtractor{})
	db.Register("postgresql", pgExtractor{})
}
