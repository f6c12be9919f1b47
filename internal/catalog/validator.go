package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Reason explains why a foreign key reference is dangling.
type Reason string

const (
	MissingTable  Reason = "MissingTable"
	MissingColumn Reason = "MissingColumn"
)

// Violation is a foreign key whose target does not exist. Violations are
// findings about the data, not errors.
type Violation struct {
	DatabaseName     string `json:"database_name" yaml:"database_name"`
	TableName        string `json:"table_name" yaml:"table_name"`
	Column           string `json:"column" yaml:"column"`
	ReferencedTable  string `json:"referenced_table" yaml:"referenced_table"`
	ReferencedColumn string `json:"referenced_column" yaml:"referenced_column"`
	Reason           Reason `json:"reason" yaml:"reason"`
}

func (v Violation) String() string {
	detail := "bad column"
	if v.Reason == MissingTable {
		detail = "bad table"
	}
	return fmt.Sprintf("%s: column %q.%q references %q.%q which does not exist (%s)",
		v.DatabaseName, v.TableName, v.Column, v.ReferencedTable, v.ReferencedColumn, detail)
}

// Validate checks every foreign key in snap. With SameDatabase resolution
// the referenced table must live in the referencing database; with Global
// the other attached databases are searched in attachment order after it.
func Validate(snap *Snapshot, res Resolution) []Violation {
	violations := []Violation{}
	for _, fk := range snap.ForeignKeys {
		v := Violation{
			DatabaseName:     fk.DatabaseName,
			TableName:        fk.TableName,
			Column:           fk.From,
			ReferencedTable:  fk.Table,
			ReferencedColumn: fk.To,
		}
		target, ok := resolveTable(snap, fk.DatabaseName, fk.Table, res)
		switch {
		case !ok:
			v.Reason = MissingTable
		case fk.To == "" || !snap.HasColumn(target, fk.Table, fk.To):
			v.Reason = MissingColumn
		default:
			continue
		}
		violations = append(violations, v)
	}
	return violations
}

// resolveTable returns the database that holds table for a reference made
// from database.
func resolveTable(snap *Snapshot, database, table string, res Resolution) (string, bool) {
	if snap.HasTable(database, table) {
		return database, true
	}
	if res != Global {
		return "", false
	}
	for _, d := range snap.Databases {
		if d.DatabaseName != database && snap.HasTable(d.DatabaseName, table) {
			return d.DatabaseName, true
		}
	}
	return "", false
}

// ValidateHandle checks the foreign keys of a SQLite database straight from
// its own metadata, including detail the catalog relations do not carry.
// References resolve within the handle's database.
func ValidateHandle(ctx context.Context, h *Handle) ([]Violation, error) {
	if h.Dialect() != "sqlite" {
		return nil, fmt.Errorf("validate %s: raw validation needs a sqlite handle, got %s", h.Database(), h.Dialect())
	}
	tables, err := h.Query(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	exists := map[string]string{}
	for _, row := range tables.Rows {
		name := fmt.Sprint(row["name"])
		exists[strings.ToLower(name)] = name
	}

	columns := map[string]*ResultSet{}
	columnsOf := func(table string) (*ResultSet, error) {
		if rs, ok := columns[table]; ok {
			return rs, nil
		}
		rs, err := h.Query(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY pk`, table)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", table, err)
		}
		columns[table] = rs
		return rs, nil
	}

	violations := []Violation{}
	for _, row := range tables.Rows {
		table := fmt.Sprint(row["name"])
		fks, err := h.Query(ctx, `SELECT seq, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`, table)
		if err != nil {
			return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
		}
		for _, fk := range fks.Rows {
			v := Violation{
				DatabaseName:    h.Database(),
				TableName:       table,
				Column:          fmt.Sprint(fk["from"]),
				ReferencedTable: fmt.Sprint(fk["table"]),
			}
			if to, ok := fk["to"].(string); ok {
				v.ReferencedColumn = to
			}
			other, ok := exists[strings.ToLower(v.ReferencedTable)]
			if !ok {
				v.Reason = MissingTable
				violations = append(violations, v)
				continue
			}
			cols, err := columnsOf(other)
			if err != nil {
				return nil, err
			}
			if v.ReferencedColumn == "" {
				v.ReferencedColumn = primaryKeyAt(cols, fk["seq"])
			}
			if !hasColumn(cols, v.ReferencedColumn) {
				v.Reason = MissingColumn
				violations = append(violations, v)
			}
		}
	}
	return violations, nil
}

// primaryKeyAt returns the primary key column at position seq (0-based).
func primaryKeyAt(cols *ResultSet, seq any) string {
	n, _ := seq.(int64)
	var pos int64
	for _, c := range cols.Rows {
		if pk, _ := c["pk"].(int64); pk > 0 {
			if pos == n {
				return fmt.Sprint(c["name"])
			}
			pos++
		}
	}
	return ""
}

func hasColumn(cols *ResultSet, name string) bool {
	if name == "" {
		return false
	}
	for _, c := range cols.Rows {
		if strings.EqualFold(fmt.Sprint(c["name"]), name) {
			return true
		}
	}
	return false
}
