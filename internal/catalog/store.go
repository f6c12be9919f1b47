package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// InternalDatabase is the name under which the catalog's own store is
// reachable through Router.ExecuteFn.
const InternalDatabase = "_internal"

// RelationNames are the relations the catalog store exposes.
var RelationNames = []string{
	"catalog_databases",
	"catalog_tables",
	"catalog_views",
	"catalog_columns",
	"catalog_indexes",
	"catalog_foreign_keys",
}

// gooseVersionTable is where goose records applied migrations.
const gooseVersionTable = "goose_db_version"

// reservedNames are never introspected, so that a database holding a
// catalog store cannot describe itself.
func reservedNames() []string {
	return append([]string{gooseVersionTable}, RelationNames...)
}

// store is a private in-memory SQLite database holding one snapshot's
// relations. The anchor connection keeps the shared-cache memory database
// alive; readers connect with query_only set.
type store struct {
	writer *sql.DB
	anchor *sql.Conn
	reader *sql.DB

	closeOnce sync.Once
}

func openStore(ctx context.Context) (*store, error) {
	dsn := fmt.Sprintf("file:catalog-%s?mode=memory&cache=shared", uuid.NewString())

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog store: %w", err)
	}
	anchor, err := writer.Conn(ctx)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open catalog store: %w", err)
	}
	st := &store{writer: writer, anchor: anchor}

	if err := st.migrate(ctx); err != nil {
		st.close()
		return nil, err
	}

	st.reader, err = sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		st.close()
		return nil, fmt.Errorf("failed to open catalog reader: %w", err)
	}
	return st, nil
}

// migrate creates the relation schema.
func (st *store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, st.writer, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// load inserts the snapshot's records in one transaction.
func (st *store) load(ctx context.Context, s *Snapshot) error {
	tx, err := st.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load: %w", err)
	}
	defer tx.Rollback()

	insert := func(query string, rows int, args func(i int) []any) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range rows {
			if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
				return err
			}
		}
		return nil
	}

	steps := []struct {
		relation string
		query    string
		rows     int
		args     func(i int) []any
	}{
		{"catalog_databases", `INSERT INTO catalog_databases (database_name) VALUES (?)`,
			len(s.Databases), func(i int) []any {
				return []any{s.Databases[i].DatabaseName}
			}},
		{"catalog_tables", `INSERT INTO catalog_tables (database_name, table_name, rootpage, sql) VALUES (?, ?, ?, ?)`,
			len(s.Tables), func(i int) []any {
				t := s.Tables[i]
				return []any{t.DatabaseName, t.TableName, t.RootPage, t.SQL}
			}},
		{"catalog_views", `INSERT INTO catalog_views (database_name, view_name, rootpage, sql) VALUES (?, ?, ?, ?)`,
			len(s.Views), func(i int) []any {
				v := s.Views[i]
				return []any{v.DatabaseName, v.ViewName, v.RootPage, v.SQL}
			}},
		{"catalog_columns", `INSERT INTO catalog_columns (database_name, table_name, cid, name, type, "notnull", default_value, is_pk, hidden)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			len(s.Columns), func(i int) []any {
				c := s.Columns[i]
				return []any{c.DatabaseName, c.TableName, c.CID, c.Name, c.Type, c.NotNull, c.DefaultValue, c.IsPK, c.Hidden}
			}},
		{"catalog_indexes", `INSERT INTO catalog_indexes (database_name, table_name, seq, name, "unique", origin, partial)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			len(s.Indexes), func(i int) []any {
				x := s.Indexes[i]
				return []any{x.DatabaseName, x.TableName, x.Seq, x.Name, x.Unique, x.Origin, x.Partial}
			}},
		{"catalog_foreign_keys", `INSERT INTO catalog_foreign_keys (database_name, table_name, id, seq, "table", "from", "to", on_update, on_delete, "match")
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			len(s.ForeignKeys), func(i int) []any {
				f := s.ForeignKeys[i]
				return []any{f.DatabaseName, f.TableName, f.ID, f.Seq, f.Table, f.From, f.To, f.OnUpdate, f.OnDelete, f.Match}
			}},
	}
	for _, step := range steps {
		if err := insert(step.query, step.rows, step.args); err != nil {
			return fmt.Errorf("failed to load %s: %w", step.relation, err)
		}
	}
	return tx.Commit()
}

func (st *store) close() {
	st.closeOnce.Do(func() {
		if st.reader != nil {
			st.reader.Close()
		}
		st.anchor.Close()
		st.writer.Close()
	})
}
