package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"dbcatalog/internal/catalog"
)

// errViolations makes validate exit non-zero.
var errViolations = errors.New("foreign key violations found")

type validateOptions struct {
	format string
	raw    bool
}

func newValidateCommand(a *app) *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate [DATABASE...]",
		Short: "Report foreign keys that point at missing tables or columns",
		Long: `Check every foreign key in the catalog and report the ones whose referenced
table or column does not exist. Exits non-zero when any are found.

With --raw each named SQLite database (or the catalog store itself when none
is named) is checked straight from its own metadata.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, a, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "output format: table, json or yaml")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "validate through a raw handle on each database")

	return cmd
}

func runValidate(cmd *cobra.Command, a *app, args []string, opts *validateOptions) error {
	if err := checkFormat(opts.format); err != nil {
		return err
	}
	ctx := cmd.Context()

	violations := []catalog.Violation{}
	if opts.raw {
		targets := args
		if len(targets) == 0 {
			targets = []string{catalog.InternalDatabase}
		}
		router := catalog.NewRouter(a.catalog)
		for _, target := range targets {
			err := router.ExecuteFn(ctx, target, func(h *catalog.Handle) error {
				found, err := catalog.ValidateHandle(ctx, h)
				violations = append(violations, found...)
				return err
			})
			if err != nil {
				return err
			}
		}
	} else {
		snap, err := a.catalog.EnsureFresh(ctx)
		if err != nil {
			return err
		}
		for _, v := range catalog.Validate(snap, a.catalog.Resolution()) {
			if len(args) == 0 || slices.Contains(args, v.DatabaseName) {
				violations = append(violations, v)
			}
		}
	}

	w := cmd.OutOrStdout()
	switch opts.format {
	case formatJSON:
		if err := renderJSON(w, violations); err != nil {
			return err
		}
	case formatYAML:
		if err := renderYAML(w, violations); err != nil {
			return err
		}
	default:
		if len(violations) == 0 {
			fmt.Fprintln(w, "no foreign key violations")
		}
		for _, v := range violations {
			fmt.Fprintln(w, v.String())
		}
	}

	if len(violations) > 0 {
		return fmt.Errorf("%w: %d", errViolations, len(violations))
	}
	return nil
}
