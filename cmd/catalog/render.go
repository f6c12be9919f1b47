package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"dbcatalog/internal/catalog"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}

// renderResult writes rs in the requested format.
func renderResult(w io.Writer, format string, rs *catalog.ResultSet) error {
	switch format {
	case formatJSON:
		return renderJSON(w, rs.Rows)
	case formatYAML:
		return renderYAML(w, rs.Rows)
	default:
		return renderTable(w, rs.Columns, rs.Rows)
	}
}

func renderTable(w io.Writer, cols []string, results []map[string]any) error {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	headerRow := make(table.Row, len(cols))
	for i, col := range cols {
		headerRow[i] = col
	}
	t.AppendHeader(headerRow)

	for _, result := range results {
		row := make(table.Row, len(cols))
		for i, col := range cols {
			row[i] = formatValue(result[col])
		}
		t.AppendRow(row)
	}

	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(results))
	return nil
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// formatValue renders one cell; multi-line SQL is flattened.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return strings.Join(strings.Fields(val), " ")
	default:
		return fmt.Sprint(val)
	}
}
