package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dbcatalog/internal/logger"
	"dbcatalog/internal/server"
	"dbcatalog/pkg/config"
)

func newServeCommand(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: `Serve the catalog over HTTP:

  GET /api/databases              attached databases and catalog generation
  GET /api/catalog                the whole catalog
  GET /api/query?sql=...          run a read-only query
  GET /api/violations             foreign key violations
  GET /api/violations/{database}  raw validation of one SQLite database

With --watch the config file is reloaded on change and databases are attached
or detached to match it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, egctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return server.New(a.catalog, a.cfg.Server.Port).Serve(egctx)
			})
			if watch && a.cfgPath != "" {
				eg.Go(func() error {
					return server.WatchConfig(egctx, a.cfgPath, func() error {
						return a.reload(cmd)
					})
				})
			}
			logger.Info("serving %d database(s)", len(a.cfg.Databases))
			return eg.Wait()
		},
	}

	cmd.Flags().Int("port", 0, "http port (overrides config)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file on change")
	return cmd
}

// reload re-reads the config file and re-syncs the attached databases.
func (a *app) reload(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath, cmd.Flags())
	if err != nil {
		return err
	}
	return a.attached.Sync(a.databases(cfg))
}
