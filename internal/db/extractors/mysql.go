package extractors

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dbcatalog/internal/db"
	"dbcatalog/internal/introspect"
	"dbcatalog/internal/logger"
)

// myExtractor implements Extractor for MySQL (information_schema) on the
// connection's default database.
type myExtractor struct{}

// This is the extractor for MySQL
func (myExtractor) Extract(ctx context.Context, dbConn *sql.DB, opts db.Options) (introspect.Schema, error) {
	var s introspect.Schema

	tr, err := dbConn.QueryContext(ctx, `
        SELECT table_name
        FROM information_schema.tables
        WHERE table_type = 'BASE TABLE'
          AND table_schema = DATABASE()
        ORDER BY table_name`)
	if err != nil {
		return s, fmt.Errorf("query tables: %w", err)
	}
	defer tr.Close()

	for tr.Next() {
		var tab introspect.Table
		if err := tr.Scan(&tab.Name); err != nil {
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
        SELECT table_name, view_definition
        FROM information_schema.views
        WHERE table_schema = DATABASE()
        ORDER BY table_name`)
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
		v.SQL = fmt.Sprintf("CREATE VIEW `%s` AS %s", v.Name, def.String)
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

		var name string
		if err := dbConn.QueryRowContext(ctx, "SHOW CREATE TABLE `"+strings.ReplaceAll(t.Name, "`", "``")+"`").Scan(&name, &t.SQL); err != nil {
			logger.Warn("show create table %s: %v", t.Name, err)
		}

		cr, err := dbConn.QueryContext(ctx, `
            SELECT ordinal_position - 1, column_name, column_type, is_nullable = 'NO', column_default
            FROM information_schema.columns
            WHERE table_schema = DATABASE() AND table_name = ?
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
            SELECT k.column_name, k.ordinal_position
            FROM information_schema.key_column_usage k
            JOIN information_schema.table_constraints tc ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema AND k.table_name = tc.table_name
            WHERE tc.constraint_type = 'PRIMARY KEY' AND k.table_schema = DATABASE() AND k.table_name = ?`, t.Name)
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
            SELECT s.index_name, MIN(s.non_unique) = 0,
                   CASE WHEN s.index_name = 'PRIMARY' THEN 'pk'
                        WHEN MAX(tc.constraint_type) = 'UNIQUE' THEN 'u'
                        ELSE 'c' END
            FROM information_schema.statistics s
            LEFT JOIN information_schema.table_constraints tc
              ON tc.table_schema = s.table_schema AND tc.table_name = s.table_name AND tc.constraint_name = s.index_name
            WHERE s.table_schema = DATABASE() AND s.table_name = ?
            GROUP BY s.index_name
            ORDER BY s.index_name`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query indexes for %s: %w", t.Name, err)
		}
		for ir.Next() {
			idx := introspect.Index{Seq: len(t.Indexes)}
			if err := ir.Scan(&idx.Name, &idx.Unique, &idx.Origin); err != nil {
				ir.Close()
				return s, fmt.Errorf("scan index for %s: %w", t.Name, err)
			}
			t.Indexes = append(t.Indexes, idx)
		}
		ir.Close()

		fkr, err := dbConn.QueryContext(ctx, `
            SELECT k.constraint_name, k.ordinal_position - 1, k.referenced_table_name, k.column_name, k.referenced_column_name,
                   rc.update_rule, rc.delete_rule, rc.match_option
            FROM information_schema.key_column_usage k
            JOIN information_schema.referential_constraints rc
              ON rc.constraint_schema = k.constraint_schema AND rc.constraint_name = k.constraint_name AND rc.table_name = k.table_name
            WHERE k.table_schema = DATABASE() AND k.table_name = ? AND k.referenced_table_name IS NOT NULL
            ORDER BY k.constraint_name, k.ordinal_position`, t.Name)
		if err != nil {
			return s, fmt.Errorf("query foreign keys for %s: %w", t.Name, err)
		}
		var ids constraintIDs
		for fkr.Next() {
			var fk introspect.ForeignKey
			var cname, upd, del, match string
			if err := fkr.Scan(&cname, &fk.Seq, &fk.Table, &fk.From, &fk.To, &upd, &del, &match); err != nil {
				fkr.Close()
				return s, fmt.Errorf("scan foreign key for %s: %w", t.Name, err)
			}
			fk.ID = ids.id(cname)
			fk.OnUpdate, fk.OnDelete, fk.Match = ruleName(upd), ruleName(del), ruleName(match)
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		fkr.Close()
	}

	return s, nil
}

// SchemaVersion sums row checksums over the dictionary views of the current
// database. GROUP_CONCAT truncates at group_concat_max_len, so it is not used.
func (myExtractor) SchemaVersion(ctx context.Context, dbConn *sql.DB) (string, error) {
	var v string
	err := dbConn.QueryRowContext(ctx, `
        SELECT CONCAT_WS(':',
            (SELECT CONCAT(COUNT(*), '-', COALESCE(SUM(CRC32(CONCAT_WS(':', table_name, table_type, create_time))), 0))
             FROM information_schema.tables WHERE table_schema = DATABASE()),
            (SELECT CONCAT(COUNT(*), '-', COALESCE(SUM(CRC32(CONCAT_WS(':', table_name, ordinal_position, column_name,
                                                                       column_type, is_nullable))), 0))
             FROM information_schema.columns WHERE table_schema = DATABASE()),
            (SELECT CONCAT(COUNT(*), '-', COALESCE(SUM(CRC32(CONCAT_WS(':', table_name, index_name, seq_in_index,
                                                                       column_name, non_unique))), 0))
             FROM information_schema.statistics WHERE table_schema = DATABASE()),
            (SELECT CONCAT(COUNT(*), '-', COALESCE(SUM(CRC32(CONCAT_WS(':', table_name, constraint_name, column_name,
                                                                       referenced_table_name, referenced_column_name))), 0))
             FROM information_schema.key_column_usage
             WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL))`).Scan(&v)
	return v, err
}

func init() {
	db.Register("mysql", myExtractor{})
	db.Register("mariadb", myExtractor{})
}
