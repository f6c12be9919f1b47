package main

import (
	"cmp"
	"errors"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"dbcatalog/internal/attach"
	"dbcatalog/internal/catalog"
	"dbcatalog/internal/logger"
	"dbcatalog/pkg/config"
)

const defaultConfigFile = "catalog.yaml"

// app is the state shared by every subcommand of one invocation.
type app struct {
	cfgPath string
	sqlite  []string
	verbose bool

	cfg      config.AppConfig
	catalog  *catalog.Catalog
	attached *attach.Manager
}

// run executes one invocation with args and always releases what it attached.
func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.Execute()
	return errors.Join(err, a.teardown())
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query the schema of attached databases",
		Long: `catalog introspects the configured databases and exposes their tables,
views, columns, indexes and foreign keys as read-only SQL relations:

  catalog_databases, catalog_tables, catalog_views, catalog_columns,
  catalog_indexes, catalog_foreign_keys`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			return a.setup(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default: ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().StringSliceVar(&a.sqlite, "sqlite", nil, "attach a SQLite file under its base name (repeatable)")
	rootCmd.PersistentFlags().String("fk-resolution", "", "foreign key resolution: same-database or global")
	rootCmd.PersistentFlags().Int("introspect-timeout", 0, "seconds allowed to introspect one database")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	_ = rootCmd.RegisterFlagCompletionFunc("fk-resolution", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"same-database", "global"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newQueryCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newDumpCommand(a))
	rootCmd.AddCommand(newServeCommand(a))

	return rootCmd
}

// setup loads the configuration and attaches every configured database.
func (a *app) setup(cmd *cobra.Command) error {
	if a.cfgPath == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			a.cfgPath = defaultConfigFile
		}
	}

	cfg, err := config.Load(a.cfgPath, cmd.Flags())
	if err != nil {
		return err
	}
	cfg.Databases = a.databases(cfg)
	a.cfg = cfg

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if a.verbose {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)

	res, err := catalog.ParseResolution(cfg.Catalog.FKResolution)
	if err != nil {
		return err
	}
	timeout := time.Duration(cfg.Catalog.IntrospectTimeout) * time.Second
	a.catalog = catalog.New(catalog.Options{Resolution: res, IntrospectTimeout: timeout})
	a.attached = attach.NewManager(a.catalog, cmp.Or(timeout, catalog.DefaultIntrospectTimeout))

	if len(cfg.Databases) == 0 {
		logger.Warn("no databases configured")
	}
	return a.attached.Sync(cfg.Databases)
}

// databases adds the --sqlite files to the configured databases.
func (a *app) databases(cfg config.AppConfig) []config.DBConfig {
	dbs := slices.Clone(cfg.Databases)
	for _, path := range a.sqlite {
		d := config.DBConfig{Type: "sqlite", DatabaseName: path}
		d.Name = config.DefaultName(d)
		dbs = append(dbs, d)
	}
	return dbs
}

func (a *app) teardown() error {
	var errs []error
	if a.attached != nil {
		errs = append(errs, a.attached.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	a.attached, a.catalog = nil, nil
	return errors.Join(errs...)
}

