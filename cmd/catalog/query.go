package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dbcatalog/internal/catalog"
)

type queryOptions struct {
	format string
	input  string
	on     string
}

func newQueryCommand(a *app) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run a read-only query against the catalog",
		Long: `Run a read-only statement against the catalog relations, or with --on
against one attached database through a read-only handle.

Statements that would modify data or schema are rejected.`,
		Example: `  catalog query "SELECT database_name, table_name FROM catalog_tables"
  catalog query --format json "SELECT * FROM catalog_foreign_keys"
  catalog query --on fixtures "SELECT count(*) AS n FROM facetable"
  echo "SELECT * FROM catalog_views" | catalog query`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, a, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "output format: table, json or yaml")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "read SQL from file")
	cmd.Flags().StringVar(&opts.on, "on", "", "query an attached database instead of the catalog")

	return cmd
}

func runQuery(cmd *cobra.Command, a *app, args []string, opts *queryOptions) error {
	if err := checkFormat(opts.format); err != nil {
		return err
	}

	var query string
	switch {
	case len(args) > 0:
		query = strings.Join(args, " ")
	case opts.input != "":
		content, err := os.ReadFile(opts.input)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		query = string(content)
	default:
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		query = string(content)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("no query given")
	}

	ctx := cmd.Context()
	router := catalog.NewRouter(a.catalog)

	var rs *catalog.ResultSet
	if opts.on != "" {
		err := router.ExecuteFn(ctx, opts.on, func(h *catalog.Handle) error {
			var err error
			rs, err = h.Query(ctx, query)
			return err
		})
		if err != nil {
			return err
		}
	} else {
		var err error
		rs, err = router.Execute(ctx, query)
		if err != nil {
			return err
		}
	}
	return renderResult(cmd.OutOrStdout(), opts.format, rs)
}
