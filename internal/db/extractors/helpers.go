package extractors

import (
	"strings"

	"dbcatalog/internal/introspect"
)

// markPrimaryKey records that column name sits at 1-based position pos of
// the table's primary key.
func markPrimaryKey(t *introspect.Table, name string, pos int) {
	for j := range t.Columns {
		if t.Columns[j].Name == name {
			t.Columns[j].PK = max(pos, 1)
		}
	}
}

// constraintIDs hands out SQLite-style foreign key group ids: one per
// constraint name, numbered in order of first appearance.
type constraintIDs struct {
	names []string
}

func (c *constraintIDs) id(name string) int {
	for i, n := range c.names {
		if n == name {
			return i
		}
	}
	c.names = append(c.names, name)
	return len(c.names) - 1
}

// ruleName turns an information_schema / sys rule such as "SET_NULL" or
// "NO ACTION" into the keyword spelling used by SQLite.
func ruleName(rule string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(rule)), "_", " ")
}
