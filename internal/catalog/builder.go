package catalog

import (
	"context"
	"fmt"
	"runtime"

	"dbcatalog/internal/introspect"
)

// Introspected pairs an attached database name with its schema.
type Introspected struct {
	Database string
	Schema   introspect.Schema
}

// Build assembles a snapshot from schemas, which must be in attachment order
// with each schema already sorted by object name. Either the whole snapshot
// is returned or an error; nothing partial escapes.
func Build(ctx context.Context, generation uint64, schemas []Introspected) (*Snapshot, error) {
	snap, err := buildRecords(schemas)
	if err != nil {
		return nil, err
	}
	snap.Generation = generation

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.load(ctx, snap); err != nil {
		st.close()
		return nil, err
	}
	snap.store = st
	runtime.AddCleanup(snap, func(st *store) { st.close() }, st)
	return snap, nil
}

// buildRecords concatenates the per-database records, stamping each with its
// database name. Identical input always yields identical records.
func buildRecords(schemas []Introspected) (*Snapshot, error) {
	snap := &Snapshot{
		Databases:   []DatabaseRecord{},
		Tables:      []TableRecord{},
		Views:       []ViewRecord{},
		Indexes:     []IndexRecord{},
		ForeignKeys: []ForeignKeyRecord{},
		Columns:     []ColumnRecord{},
	}
	seenDB := map[string]bool{}
	for _, in := range schemas {
		if seenDB[in.Database] {
			return nil, fmt.Errorf("database %q listed twice", in.Database)
		}
		seenDB[in.Database] = true
		snap.Databases = append(snap.Databases, DatabaseRecord{DatabaseName: in.Database})

		seen := map[string]string{}
		claim := func(kind, name string) error {
			if prev, ok := seen[name]; ok {
				return fmt.Errorf("database %q: %s %q clashes with %s of the same name", in.Database, kind, name, prev)
			}
			seen[name] = kind
			return nil
		}

		for _, t := range in.Schema.Tables {
			if err := claim("table", t.Name); err != nil {
				return nil, err
			}
			snap.Tables = append(snap.Tables, TableRecord{
				DatabaseName: in.Database,
				TableName:    t.Name,
				RootPage:     t.RootPage,
				SQL:          t.SQL,
			})
		}
		for _, v := range in.Schema.Views {
			if err := claim("view", v.Name); err != nil {
				return nil, err
			}
			var rootpage *int64
			if v.RootPage != nil {
				rp := *v.RootPage
				rootpage = &rp
			}
			snap.Views = append(snap.Views, ViewRecord{
				DatabaseName: in.Database,
				ViewName:     v.Name,
				RootPage:     rootpage,
				SQL:          v.SQL,
			})
		}
		for _, t := range in.Schema.Tables {
			for _, c := range t.Columns {
				var dflt *string
				if c.DefaultValue != nil {
					d := *c.DefaultValue
					dflt = &d
				}
				snap.Columns = append(snap.Columns, ColumnRecord{
					DatabaseName: in.Database,
					TableName:    t.Name,
					CID:          c.CID,
					Name:         c.Name,
					Type:         c.Type,
					NotNull:      c.NotNull,
					DefaultValue: dflt,
					IsPK:         c.PK,
					Hidden:       c.Hidden,
				})
			}
			// index names are only unique per table on mysql and sqlserver
			for _, x := range t.Indexes {
				snap.Indexes = append(snap.Indexes, IndexRecord{
					DatabaseName: in.Database,
					TableName:    t.Name,
					Seq:          x.Seq,
					Name:         x.Name,
					Unique:       x.Unique,
					Origin:       x.Origin,
					Partial:      x.Partial,
				})
			}
			for _, fk := range t.ForeignKeys {
				snap.ForeignKeys = append(snap.ForeignKeys, ForeignKeyRecord{
					DatabaseName: in.Database,
					TableName:    t.Name,
					ID:           fk.ID,
					Seq:          fk.Seq,
					Table:        fk.Table,
					From:         fk.From,
					To:           fk.To,
					OnUpdate:     fk.OnUpdate,
					OnDelete:     fk.OnDelete,
					Match:        fk.Match,
				})
			}
		}
	}
	snap.index()
	return snap, nil
}
