package catalog

import (
	"context"
	"database/sql"
	"strings"
)

// DatabaseRecord is one row of catalog_databases.
type DatabaseRecord struct {
	DatabaseName string `json:"database_name" yaml:"database_name"`
}

// TableRecord is one row of catalog_tables.
type TableRecord struct {
	DatabaseName string `json:"database_name" yaml:"database_name"`
	TableName    string `json:"table_name" yaml:"table_name"`
	RootPage     int64  `json:"rootpage" yaml:"rootpage"`
	SQL          string `json:"sql" yaml:"sql"`
}

// ViewRecord is one row of catalog_views.
type ViewRecord struct {
	DatabaseName string `json:"database_name" yaml:"database_name"`
	ViewName     string `json:"view_name" yaml:"view_name"`
	RootPage     *int64 `json:"rootpage" yaml:"rootpage"`
	SQL          string `json:"sql" yaml:"sql"`
}

// IndexRecord is one row of catalog_indexes.
type IndexRecord struct {
	DatabaseName string `json:"database_name" yaml:"database_name"`
	TableName    string `json:"table_name" yaml:"table_name"`
	Seq          int    `json:"seq" yaml:"seq"`
	Name         string `json:"name" yaml:"name"`
	Unique       bool   `json:"unique" yaml:"unique"`
	Origin       string `json:"origin" yaml:"origin"`
	Partial      bool   `json:"partial" yaml:"partial"`
}

// ForeignKeyRecord is one row of catalog_foreign_keys. Table is the
// referenced table.
type ForeignKeyRecord struct {
	DatabaseName string `json:"database_name" yaml:"database_name"`
	TableName    string `json:"table_name" yaml:"table_name"`
	ID           int    `json:"id" yaml:"id"`
	Seq          int    `json:"seq" yaml:"seq"`
	Table        string `json:"table" yaml:"table"`
	From         string `json:"from" yaml:"from"`
	To           string `json:"to" yaml:"to"`
	OnUpdate     string `json:"on_update" yaml:"on_update"`
	OnDelete     string `json:"on_delete" yaml:"on_delete"`
	Match        string `json:"match" yaml:"match"`
}

// ColumnRecord is one row of catalog_columns.
type ColumnRecord struct {
	DatabaseName string  `json:"database_name" yaml:"database_name"`
	TableName    string  `json:"table_name" yaml:"table_name"`
	CID          int     `json:"cid" yaml:"cid"`
	Name         string  `json:"name" yaml:"name"`
	Type         string  `json:"type" yaml:"type"`
	NotNull      bool    `json:"notnull" yaml:"notnull"`
	DefaultValue *string `json:"default_value" yaml:"default_value"`
	IsPK         int     `json:"is_pk" yaml:"is_pk"`
	Hidden       int     `json:"hidden" yaml:"hidden"`
}

// Snapshot is an immutable materialization of the catalog. It is never
// modified after Build returns it; a rebuild produces a new Snapshot.
type Snapshot struct {
	Generation  uint64             `json:"generation" yaml:"generation"`
	Databases   []DatabaseRecord   `json:"databases" yaml:"databases"`
	Tables      []TableRecord      `json:"tables" yaml:"tables"`
	Views       []ViewRecord       `json:"views" yaml:"views"`
	Indexes     []IndexRecord      `json:"indexes" yaml:"indexes"`
	ForeignKeys []ForeignKeyRecord `json:"foreign_keys" yaml:"foreign_keys"`
	Columns     []ColumnRecord     `json:"columns" yaml:"columns"`

	tables  map[tableKey]bool
	columns map[tableKey]map[string]bool

	store *store
}

type tableKey struct {
	database string
	table    string
}

// keyOf folds names the way SQLite compares identifiers.
func keyOf(database, table string) tableKey {
	return tableKey{database: database, table: strings.ToLower(table)}
}

func (s *Snapshot) index() {
	s.tables = make(map[tableKey]bool, len(s.Tables))
	s.columns = make(map[tableKey]map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		s.tables[keyOf(t.DatabaseName, t.TableName)] = true
	}
	for _, c := range s.Columns {
		k := keyOf(c.DatabaseName, c.TableName)
		if s.columns[k] == nil {
			s.columns[k] = map[string]bool{}
		}
		s.columns[k][strings.ToLower(c.Name)] = true
	}
}

// HasTable reports whether database holds a table with the given name.
func (s *Snapshot) HasTable(database, table string) bool {
	return s.tables[keyOf(database, table)]
}

// HasColumn reports whether database.table has the given column.
func (s *Snapshot) HasColumn(database, table, column string) bool {
	return s.columns[keyOf(database, table)][strings.ToLower(column)]
}

// ResultSet holds the materialized rows of a query.
type ResultSet struct {
	Columns []string         `json:"columns" yaml:"columns"`
	Rows    []map[string]any `json:"rows" yaml:"rows"`
}

// Len returns the number of rows.
func (r *ResultSet) Len() int { return len(r.Rows) }

// Query runs a read statement against the snapshot's relations.
func (s *Snapshot) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	rows, err := s.store.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readOnlyError(query, err)
	}
	defer rows.Close()
	return collect(rows)
}

// collect reads every row into column-keyed maps.
func collect(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		valuePtrs := make([]any, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			val := values[i]
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[col] = val
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
