package introspect

import "strings"

// Index origins as reported by the engine.
const (
	OriginCreated    = "c"
	OriginPrimaryKey = "pk"
	OriginUnique     = "u"
)

// Column represents a table column.
type Column struct {
	CID          int     `json:"cid" yaml:"cid"`
	Name         string  `json:"name" yaml:"name"`
	Type         string  `json:"type" yaml:"type"`
	NotNull      bool    `json:"notnull" yaml:"notnull"`
	DefaultValue *string `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	PK           int     `json:"pk" yaml:"pk"` // 0 = not part of the primary key, else 1-based position
	Hidden       int     `json:"hidden" yaml:"hidden"`
}

// ForeignKey represents one column pair of a foreign key constraint.
// Multi-column constraints share an ID and are ordered by Seq.
type ForeignKey struct {
	ID       int    `json:"id" yaml:"id"`
	Seq      int    `json:"seq" yaml:"seq"`
	Table    string `json:"table" yaml:"table"` // referenced table
	From     string `json:"from" yaml:"from"`
	To       string `json:"to" yaml:"to"`
	OnUpdate string `json:"on_update" yaml:"on_update"`
	OnDelete string `json:"on_delete" yaml:"on_delete"`
	Match    string `json:"match" yaml:"match"`
}

// Index represents an index on a table.
type Index struct {
	Seq     int    `json:"seq" yaml:"seq"`
	Name    string `json:"name" yaml:"name"`
	Unique  bool   `json:"unique" yaml:"unique"`
	Partial bool   `json:"partial" yaml:"partial"`
	Origin  string `json:"origin" yaml:"origin"`
}

// Table represents a database table with its columns, indexes and foreign keys.
type Table struct {
	Name        string       `json:"name" yaml:"name"`
	RootPage    int64        `json:"rootpage" yaml:"rootpage"`
	SQL         string       `json:"sql" yaml:"sql"`
	Columns     []Column     `json:"columns" yaml:"columns"`
	Indexes     []Index      `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
}

// View represents a database view. Views have no storage of their own, so
// RootPage is nil unless the engine reports a placeholder.
type View struct {
	Name     string `json:"name" yaml:"name"`
	RootPage *int64 `json:"rootpage" yaml:"rootpage"`
	SQL      string `json:"sql" yaml:"sql"`
}

// Schema is everything introspected from one database.
type Schema struct {
	Tables []Table `json:"tables" yaml:"tables"`
	Views  []View  `json:"views" yaml:"views"`
}

// Table returns the named table, or nil. Names compare case-insensitively.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	return nil
}

// HasColumn reports whether the table has a column with the given name.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// PrimaryKey returns the primary key column names in key order.
func (t *Table) PrimaryKey() []string {
	var n int
	for _, c := range t.Columns {
		n = max(n, c.PK)
	}
	pk := make([]string, n)
	for _, c := range t.Columns {
		if c.PK > 0 {
			pk[c.PK-1] = c.Name
		}
	}
	return pk
}
