package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcatalog/internal/introspect"
)

func schemaOf(tables ...string) introspect.Schema {
	var s introspect.Schema
	for _, name := range tables {
		s.Tables = append(s.Tables, introspect.Table{
			Name:    name,
			Columns: []introspect.Column{{CID: 0, Name: "id", Type: "INTEGER", PK: 1}},
			Indexes: []introspect.Index{{Seq: 0, Name: "PRIMARY", Unique: true, Origin: introspect.OriginPrimaryKey}},
		})
	}
	return s
}

func TestBuildRecordsStampsDatabase(t *testing.T) {
	snap, err := buildRecords([]Introspected{
		{Database: "alpha", Schema: schemaOf("a1", "a2")},
		{Database: "beta", Schema: schemaOf("a1")},
	})
	require.NoError(t, err)

	assert.Equal(t, []DatabaseRecord{{DatabaseName: "alpha"}, {DatabaseName: "beta"}}, snap.Databases)
	require.Len(t, snap.Tables, 3)
	assert.Equal(t, TableRecord{DatabaseName: "beta", TableName: "a1"}, snap.Tables[2])
	// the same index name on every table is fine
	assert.Len(t, snap.Indexes, 3)
	assert.True(t, snap.HasTable("beta", "A1"))
	assert.False(t, snap.HasTable("beta", "a2"))
	assert.True(t, snap.HasColumn("alpha", "a2", "ID"))
}

func TestBuildRecordsRejectsClashes(t *testing.T) {
	var tests = []struct {
		name    string
		schemas []Introspected
	}{
		{"database listed twice", []Introspected{
			{Database: "alpha", Schema: schemaOf("a")},
			{Database: "alpha", Schema: schemaOf("b")},
		}},
		{"table listed twice", []Introspected{
			{Database: "alpha", Schema: schemaOf("a", "a")},
		}},
		{"view shadows table", []Introspected{
			{Database: "alpha", Schema: introspect.Schema{
				Tables: schemaOf("a").Tables,
				Views:  []introspect.View{{Name: "a"}},
			}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildRecords(tt.schemas)
			assert.Error(t, err)
			_, err = Build(context.Background(), 1, tt.schemas)
			assert.Error(t, err)
		})
	}
}

func TestBuildMaterializesStore(t *testing.T) {
	ctx := context.Background()
	rp := int64(7)
	dflt := "'n/a'"
	snap, err := Build(ctx, 3, []Introspected{{Database: "alpha", Schema: introspect.Schema{
		Tables: []introspect.Table{{
			Name:     "people",
			RootPage: 2,
			SQL:      "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT)",
			Columns: []introspect.Column{
				{CID: 0, Name: "id", Type: "INTEGER", PK: 1},
				{CID: 1, Name: "name", Type: "TEXT", NotNull: true, DefaultValue: &dflt},
			},
			ForeignKeys: []introspect.ForeignKey{{ID: 0, Seq: 0, Table: "teams", From: "team", To: "id", OnUpdate: "NO ACTION", OnDelete: "SET NULL", Match: "NONE"}},
		}},
		Views: []introspect.View{{Name: "everyone", RootPage: &rp, SQL: "CREATE VIEW everyone AS SELECT * FROM people"}},
	}}})
	require.NoError(t, err)
	defer snap.store.close()
	assert.EqualValues(t, 3, snap.Generation)

	rs, err := snap.Query(ctx, `SELECT name, "notnull", default_value, is_pk FROM catalog_columns ORDER BY cid`)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	assert.Nil(t, rs.Rows[0]["default_value"])
	assert.Equal(t, "'n/a'", rs.Rows[1]["default_value"])
	assert.EqualValues(t, 1, rs.Rows[1]["notnull"])
	assert.EqualValues(t, 1, rs.Rows[0]["is_pk"])

	rs, err = snap.Query(ctx, `SELECT "table", on_delete, "match" FROM catalog_foreign_keys`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"table": "teams", "on_delete": "SET NULL", "match": "NONE"}, rs.Rows[0])

	rs, err = snap.Query(ctx, `SELECT rootpage, sql FROM catalog_views`)
	require.NoError(t, err)
	assert.EqualValues(t, 7, rs.Rows[0]["rootpage"])

	// the goose bookkeeping table is not one of the relations, but the store has it
	rs, err = snap.Query(ctx, `SELECT count(*) AS n FROM sqlite_master WHERE name = ?`, gooseVersionTable)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rs.Rows[0]["n"])
}

func TestSnapshotStoreIsReadOnly(t *testing.T) {
	ctx := context.Background()
	snap, err := Build(ctx, 1, []Introspected{{Database: "alpha", Schema: schemaOf("a")}})
	require.NoError(t, err)
	defer snap.store.close()

	_, err = snap.store.reader.ExecContext(ctx, `DELETE FROM catalog_tables`)
	require.Error(t, err)
	var rov *ReadOnlyViolation
	assert.ErrorAs(t, readOnlyError("DELETE FROM catalog_tables", err), &rov)

	rs, err := snap.Query(ctx, `SELECT count(*) AS n FROM catalog_tables`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rs.Rows[0]["n"])
}
