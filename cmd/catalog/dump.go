package main

import (
	"github.com/spf13/cobra"
)

func newDumpCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the whole catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := a.catalog.EnsureFresh(cmd.Context())
			if err != nil {
				return err
			}
			if format == formatJSON {
				return renderJSON(cmd.OutOrStdout(), snap)
			}
			return renderYAML(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatYAML, "output format: yaml or json")
	return cmd
}
